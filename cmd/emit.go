package main

import (
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/model"
)

var emitCmd = &cobra.Command{
	Use:   "emit",
	Short: "Emit a signal event onto the bus",
	Long:  "Validates the signal against the type registry, appends it to the durable log, and runs propagation and cache invalidation before returning.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("entity")
		sigType, _ := cmd.Flags().GetString("type")
		source, _ := cmd.Flags().GetString("source")
		value, _ := cmd.Flags().GetString("value")
		confidence, _ := cmd.Flags().GetFloat64("confidence")
		contextJSON, _ := cmd.Flags().GetString("context")

		draft := model.SignalDraft{
			Entity:     env.Mapper.Ref(model.EntityKind(kind), id),
			Type:       model.SignalType(sigType),
			Source:     model.Source(source),
			Value:      value,
			Confidence: confidence,
		}
		if contextJSON != "" {
			if err := json.Unmarshal([]byte(contextJSON), &draft.SourceContext); err != nil {
				return eris.Wrap(err, "parse --context")
			}
		}

		event, err := env.Bus.Emit(ctx, draft)
		if err != nil {
			return eris.Wrap(err, "emit")
		}

		fmt.Printf("emitted %s (%s on %s)\n", event.ID, event.Type, event.Entity)
		return nil
	},
}

func init() {
	emitCmd.Flags().String("kind", "organization", "entity kind (organization|initiative|person|meeting)")
	emitCmd.Flags().String("entity", "", "entity name or id (canonicalized per kind)")
	emitCmd.Flags().String("type", "", "signal type from the registry")
	emitCmd.Flags().String("source", "", "producer source id")
	emitCmd.Flags().String("value", "", "optional signal payload")
	emitCmd.Flags().Float64("confidence", 0, "confidence in [0,1]")
	emitCmd.Flags().String("context", "", "optional source context as JSON")
	_ = emitCmd.MarkFlagRequired("entity")
	_ = emitCmd.MarkFlagRequired("type")
	_ = emitCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(emitCmd)
}

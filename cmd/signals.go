package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/decay"
	"github.com/sells-group/account-signals/internal/model"
	"github.com/sells-group/account-signals/internal/store"
)

var signalsCmd = &cobra.Command{
	Use:   "signals",
	Short: "List signal events for an entity, newest first",
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
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.SignalFilter{
			Entity: env.Mapper.Ref(model.EntityKind(kind), id),
			Limit:  limit,
		}
		if sigType != "" {
			filter.Type = model.SignalType(sigType)
		}

		now := time.Now().UTC()
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "EMITTED\tTYPE\tSOURCE\tCONF\tEFFECTIVE\tVALUE")

		count := 0
		for event, err := range env.Bus.Query(ctx, filter) {
			if err != nil {
				return eris.Wrap(err, "query signals")
			}
			halfLife := env.Registry.HalfLife(event.Type, decay.DefaultHalfLife)
			fmt.Fprintf(w, "%s\t%s\t%s\t%.2f\t%.2f\t%s\n",
				event.EmittedAt.Format(time.RFC3339),
				event.Type, event.Source, event.Confidence,
				decay.Effective(event.Confidence, event.EmittedAt, now, halfLife),
				event.Value,
			)
			count++
			if limit > 0 && count >= limit {
				break
			}
		}
		if err := w.Flush(); err != nil {
			return eris.Wrap(err, "flush output")
		}
		if count == 0 {
			fmt.Println("no signals found")
		}
		return nil
	},
}

func init() {
	signalsCmd.Flags().String("kind", "organization", "entity kind")
	signalsCmd.Flags().String("entity", "", "entity name or id")
	signalsCmd.Flags().String("type", "", "filter by signal type")
	signalsCmd.Flags().Int("limit", 50, "maximum events to print")
	_ = signalsCmd.MarkFlagRequired("entity")

	rootCmd.AddCommand(signalsCmd)
}

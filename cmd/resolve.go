package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/fusion"
	"github.com/sells-group/account-signals/internal/model"
)

var resolveCmd = &cobra.Command{
	Use:   "resolve",
	Short: "Resolve an entity association by fusing producer evidence",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("entity")
		asJSON, _ := cmd.Flags().GetBool("json")

		subject := env.Mapper.Ref(model.EntityKind(kind), id)
		assoc, err := env.Resolver.Resolve(ctx, subject)
		if eris.Is(err, fusion.ErrUnresolved) {
			fmt.Printf("no association above threshold for %s\n", subject)
			return nil
		}
		if err != nil {
			return eris.Wrap(err, "resolve")
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return eris.Wrap(enc.Encode(assoc), "encode association")
		}

		fmt.Printf("%s -> %s (%.3f via %s, %d events)\n",
			assoc.Subject, assoc.Candidate, assoc.FusedConfidence, assoc.Method, len(assoc.ContributingEvents))
		return nil
	},
}

func init() {
	resolveCmd.Flags().String("kind", "meeting", "subject entity kind")
	resolveCmd.Flags().String("entity", "", "subject entity id")
	resolveCmd.Flags().Bool("json", false, "print the full association as JSON")
	_ = resolveCmd.MarkFlagRequired("entity")

	rootCmd.AddCommand(resolveCmd)
}

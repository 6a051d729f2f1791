package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/model"
)

var calloutsCmd = &cobra.Command{
	Use:   "callouts",
	Short: "List unsurfaced callouts for an entity",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("entity")
		markSeen, _ := cmd.Flags().GetBool("mark-seen")

		entity := env.Mapper.Ref(model.EntityKind(kind), id)

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEVERITY\tTEXT\tACTION\tEVENT")

		count := 0
		for callout, err := range env.Callouts.Unsurfaced(ctx, entity) {
			if err != nil {
				return eris.Wrap(err, "list callouts")
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", callout.Severity, callout.Text, callout.SuggestedAction, callout.EventID)
			count++
			if markSeen {
				if err := env.Callouts.MarkSeen(ctx, callout.EventID); err != nil {
					return eris.Wrap(err, "mark seen")
				}
			}
		}
		if err := w.Flush(); err != nil {
			return eris.Wrap(err, "flush output")
		}
		if count == 0 {
			fmt.Printf("no unsurfaced callouts for %s\n", entity)
		}
		return nil
	},
}

var seenCmd = &cobra.Command{
	Use:   "seen <event-id>",
	Short: "Mark a single callout as surfaced",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Callouts.MarkSeen(ctx, args[0]); err != nil {
			return eris.Wrap(err, "mark seen")
		}
		fmt.Printf("marked %s seen\n", args[0])
		return nil
	},
}

func init() {
	calloutsCmd.Flags().String("kind", "organization", "entity kind")
	calloutsCmd.Flags().String("entity", "", "entity name or id")
	calloutsCmd.Flags().Bool("mark-seen", false, "mark listed callouts as surfaced")
	_ = calloutsCmd.MarkFlagRequired("entity")

	calloutsCmd.AddCommand(seenCmd)
	rootCmd.AddCommand(calloutsCmd)
}

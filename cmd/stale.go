package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/model"
)

var staleCmd = &cobra.Command{
	Use:   "stale",
	Short: "List artifacts invalidated by recent signals",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		artifacts, err := env.Store.ListStaleArtifacts(ctx)
		if err != nil {
			return eris.Wrap(err, "list stale artifacts")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ARTIFACT\tNAME\tENTITY\tSTALE SINCE")
		for _, a := range artifacts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Entity, a.StaleSince.Format(time.RFC3339))
		}
		return eris.Wrap(w.Flush(), "flush output")
	},
}

var registerArtifactCmd = &cobra.Command{
	Use:   "register",
	Short: "Register a cached artifact for invalidation tracking",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		name, _ := cmd.Flags().GetString("name")
		kind, _ := cmd.Flags().GetString("kind")
		id, _ := cmd.Flags().GetString("entity")

		entity := env.Mapper.Ref(model.EntityKind(kind), id)
		artifact := model.Artifact{
			ID:     uuid.NewString(),
			Name:   name,
			Entity: entity,
		}
		if err := env.Watcher.Register(ctx, artifact); err != nil {
			return eris.Wrap(err, "register artifact")
		}
		fmt.Printf("registered %s (%s for %s)\n", artifact.ID, artifact.Name, entity)
		return nil
	},
}

var refreshCmd = &cobra.Command{
	Use:   "refresh <artifact-id>",
	Short: "Mark a stale artifact as rebuilt",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Watcher.Refresh(ctx, args[0]); err != nil {
			return eris.Wrap(err, "refresh artifact")
		}
		fmt.Printf("refreshed %s\n", args[0])
		return nil
	},
}

func init() {
	registerArtifactCmd.Flags().String("name", "", "artifact name (e.g. account-brief)")
	registerArtifactCmd.Flags().String("kind", "organization", "entity kind the artifact depends on")
	registerArtifactCmd.Flags().String("entity", "", "entity name or id")
	_ = registerArtifactCmd.MarkFlagRequired("name")
	_ = registerArtifactCmd.MarkFlagRequired("entity")

	staleCmd.AddCommand(registerArtifactCmd)
	staleCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(staleCmd)
}

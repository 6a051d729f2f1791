package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
)

var weightsCmd = &cobra.Command{
	Use:   "weights",
	Short: "Show learned per-source trust weights",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		weights, err := env.Store.ListSourceWeights(ctx)
		if err != nil {
			return eris.Wrap(err, "list source weights")
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SOURCE\tALPHA\tBETA\tSAMPLES\tMEAN")
		for _, sw := range weights {
			fmt.Fprintf(w, "%s\t%.1f\t%.1f\t%d\t%.3f\n", sw.Source, sw.Alpha, sw.Beta, sw.SampleCount, sw.Mean())
		}
		return eris.Wrap(w.Flush(), "flush output")
	},
}

func init() {
	rootCmd.AddCommand(weightsCmd)
}

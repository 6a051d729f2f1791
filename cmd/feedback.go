package main

import (
	"fmt"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/account-signals/internal/model"
)

var feedbackCmd = &cobra.Command{
	Use:   "feedback",
	Short: "Record an accept/reject correction for a source",
	Long:  "Feeds a user correction into the trust learner. Accepted corrections raise the source's sampled weight over time, rejections lower it.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		source, _ := cmd.Flags().GetString("source")
		accepted, _ := cmd.Flags().GetBool("accept")

		weight, err := env.Learner.RecordFeedback(ctx, model.Source(source), accepted)
		if err != nil {
			return eris.Wrap(err, "record feedback")
		}

		fmt.Printf("%s: alpha=%.1f beta=%.1f samples=%d mean=%.3f\n",
			weight.Source, weight.Alpha, weight.Beta, weight.SampleCount, weight.Mean())
		return nil
	},
}

func init() {
	feedbackCmd.Flags().String("source", "", "source id the correction applies to")
	feedbackCmd.Flags().Bool("accept", true, "whether the user accepted the association")
	_ = feedbackCmd.MarkFlagRequired("source")

	rootCmd.AddCommand(feedbackCmd)
}

package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/pipeline"
)

var statusSessionID string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show pipeline progress",
	Long:  "Prints session totals and a per-stage status breakdown, or the stage rows of one session with --session.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		reporter := pipeline.NewReporter(st)

		if statusSessionID != "" {
			statuses, err := reporter.Session(ctx, statusSessionID)
			if err != nil {
				return err
			}
			byStage := make(map[model.Stage]model.StageStatus, len(statuses))
			for _, s := range statuses {
				byStage[s.Stage] = s
			}
			cmd.Printf("Session %s\n", statusSessionID)
			for _, stg := range model.Stages {
				s, ok := byStage[stg]
				if !ok {
					cmd.Printf("  %-20s (not initialized)\n", stg)
					continue
				}
				cmd.Printf("  %-20s %-12s retries=%d", stg, s.Status, s.RetryCount)
				if s.ErrorMessage != "" {
					cmd.Printf("  %s", s.ErrorMessage)
				}
				cmd.Println()
			}

			questions, err := reporter.Questions(ctx, statusSessionID)
			if err != nil {
				return err
			}
			if len(questions) > 0 {
				cmd.Println("Questions:")
				for i, q := range questions {
					cmd.Printf("  %d. %s\n", i+1, q.Content)
				}
			}
			return nil
		}

		ps, err := reporter.Status(ctx)
		if err != nil {
			return err
		}

		cmd.Printf("Sessions: %d\n", ps.TotalSessions)
		counts := make(map[model.Stage]map[model.Status]int)
		for _, c := range ps.StageCounts {
			if counts[c.Stage] == nil {
				counts[c.Stage] = make(map[model.Status]int)
			}
			counts[c.Stage][c.Status] = c.Count
		}
		for _, stg := range model.Stages {
			byStatus := counts[stg]
			cmd.Printf("  %-20s pending=%d in_progress=%d completed=%d failed=%d skipped=%d\n",
				stg,
				byStatus[model.StatusPending],
				byStatus[model.StatusInProgress],
				byStatus[model.StatusCompleted],
				byStatus[model.StatusFailed],
				byStatus[model.StatusSkipped],
			)
		}
		return nil
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusSessionID, "session", "", "show one session's stage rows")
	rootCmd.AddCommand(statusCmd)
}

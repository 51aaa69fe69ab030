package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/stage"
)

var (
	retrySessionID string
	retryStage     string
)

var retryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Reset failed stages back to PENDING",
	Long:  "Returns FAILED stages to PENDING so the next process run picks them up. Scope with --session and/or --stage; without flags every failed stage is reset.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()
		tracker := stage.NewTracker(st)

		var stg model.Stage
		if retryStage != "" {
			parsed, ok := model.ParseStage(retryStage)
			if !ok {
				return eris.Errorf("unknown stage %q", retryStage)
			}
			stg = parsed
		}

		if retrySessionID != "" && stg != "" {
			if err := tracker.ResetForRetry(ctx, retrySessionID, stg); err != nil {
				return err
			}
			cmd.Printf("Reset %s for session %s\n", stg, retrySessionID)
			return nil
		}

		if retrySessionID != "" {
			statuses, err := tracker.List(ctx, retrySessionID)
			if err != nil {
				return err
			}
			reset := 0
			for _, s := range statuses {
				if s.Status != model.StatusFailed {
					continue
				}
				if err := tracker.ResetForRetry(ctx, retrySessionID, s.Stage); err != nil {
					return err
				}
				reset++
			}
			cmd.Printf("Reset %d failed stages for session %s\n", reset, retrySessionID)
			return nil
		}

		failures, err := st.FailedSessions(ctx, stg)
		if err != nil {
			return err
		}
		reset := 0
		for _, f := range failures {
			if err := tracker.ResetForRetry(ctx, f.SessionID, f.Stage); err != nil {
				zap.L().Warn("reset failed",
					zap.String("session_id", f.SessionID),
					zap.String("stage", string(f.Stage)),
					zap.Error(err),
				)
				continue
			}
			reset++
		}
		cmd.Printf("Reset %d failed stages\n", reset)
		return nil
	},
}

func init() {
	retryCmd.Flags().StringVar(&retrySessionID, "session", "", "only this session")
	retryCmd.Flags().StringVar(&retryStage, "stage", "", "only this stage")
	rootCmd.AddCommand(retryCmd)
}

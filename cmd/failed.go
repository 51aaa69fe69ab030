package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/pipeline"
)

var failedStage string

var failedCmd = &cobra.Command{
	Use:   "failed",
	Short: "List recently failed sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		var stg model.Stage
		if failedStage != "" {
			parsed, ok := model.ParseStage(failedStage)
			if !ok {
				return eris.Errorf("unknown stage %q", failedStage)
			}
			stg = parsed
		}

		failures, err := pipeline.NewReporter(st).Failed(ctx, stg)
		if err != nil {
			return err
		}
		if len(failures) == 0 {
			cmd.Println("No failed sessions")
			return nil
		}

		for _, f := range failures {
			cmd.Printf("%s  %-20s retries=%d  %s/%s  %s\n",
				f.SessionID, f.Stage, f.RetryCount, f.CompanyID, f.ExternalID, f.ErrorMessage)
		}
		return nil
	},
}

func init() {
	failedCmd.Flags().StringVar(&failedStage, "stage", "", "only failures of this stage")
	rootCmd.AddCommand(failedCmd)
}

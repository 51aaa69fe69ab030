package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/sessions-cli/internal/model"
	"github.com/sells-group/sessions-cli/internal/pipeline"
)

var processAll bool

var processCmd = &cobra.Command{
	Use:   "process [stage]",
	Short: "Run pending sessions through a pipeline stage",
	Long:  "Drains every session pending the given stage (CSV_IMPORT, TRANSCRIPT_FETCH, SESSION_CREATION, AI_ANALYSIS, QUESTION_EXTRACTION), or all stages in order with --all.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if processAll == (len(args) == 1) {
			return eris.New("provide exactly one stage, or --all")
		}

		env, err := initPipeline(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if processAll {
			results, err := env.Orchestrator.RunAll(ctx)
			for _, res := range results {
				printStageResult(cmd, res)
			}
			return err
		}

		stg, ok := model.ParseStage(args[0])
		if !ok {
			return eris.Errorf("unknown stage %q", args[0])
		}
		res, err := env.Orchestrator.RunStage(ctx, stg)
		if res != nil {
			printStageResult(cmd, *res)
		}
		return err
	},
}

func printStageResult(cmd *cobra.Command, res pipeline.StageRunResult) {
	cmd.Printf("%-20s processed=%d succeeded=%d failed=%d not_ready=%d pages=%d\n",
		res.Stage, res.Processed, res.Succeeded, res.Failed, res.NotReady, res.Pages)
}

func init() {
	processCmd.Flags().BoolVar(&processAll, "all", false, "run every stage in pipeline order")
	rootCmd.AddCommand(processCmd)
}

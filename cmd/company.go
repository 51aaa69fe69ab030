package main

import (
	"github.com/spf13/cobra"

	"github.com/sells-group/sessions-cli/internal/model"
)

var (
	companyName     string
	companyInactive bool
	companyUsername string
	companyPassword string
	companyModel    string
)

var companyCmd = &cobra.Command{
	Use:   "company",
	Short: "Manage companies",
}

var companyAddCmd = &cobra.Command{
	Use:   "add <company-id>",
	Short: "Register or update a company",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		status := model.CompanyActive
		if companyInactive {
			status = model.CompanyInactive
		}
		name := companyName
		if name == "" {
			name = args[0]
		}

		if err := st.UpsertCompany(ctx, model.Company{
			ID:                 args[0],
			Name:               name,
			Status:             status,
			TranscriptUsername: companyUsername,
			TranscriptPassword: companyPassword,
			DefaultModel:       companyModel,
		}); err != nil {
			return err
		}

		cmd.Printf("Company %s saved\n", args[0])
		return nil
	},
}

func init() {
	companyAddCmd.Flags().StringVar(&companyName, "name", "", "display name (defaults to the ID)")
	companyAddCmd.Flags().BoolVar(&companyInactive, "inactive", false, "exclude the company from processing")
	companyAddCmd.Flags().StringVar(&companyUsername, "transcript-username", "", "basic auth username for transcript downloads")
	companyAddCmd.Flags().StringVar(&companyPassword, "transcript-password", "", "basic auth password for transcript downloads")
	companyAddCmd.Flags().StringVar(&companyModel, "model", "", "model override for this company's sessions")
	companyCmd.AddCommand(companyAddCmd)
	rootCmd.AddCommand(companyCmd)
}

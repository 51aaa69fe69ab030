package main

import (
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/sessions-cli/internal/model"
)

var importCompanyID string

// importColumns maps export header names to row positions. Only external_id
// and start_time are mandatory.
var importRequiredColumns = []string{"external_id", "start_time"}

var importCmd = &cobra.Command{
	Use:   "import <export.csv>",
	Short: "Import a session export CSV",
	Long:  "Registers each export row as a session with an import record and initializes its pipeline stages. Processing happens separately via the process command.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		company, err := st.GetCompany(ctx, importCompanyID)
		if err != nil {
			return err
		}
		if company == nil {
			return eris.Errorf("unknown company %q, register it first with: sessions-cli company add", importCompanyID)
		}

		f, err := os.Open(args[0])
		if err != nil {
			return eris.Wrapf(err, "open %s", args[0])
		}
		defer f.Close()

		r := csv.NewReader(f)
		r.TrimLeadingSpace = true

		header, err := r.Read()
		if err != nil {
			return eris.Wrap(err, "read CSV header")
		}
		cols := make(map[string]int, len(header))
		for i, name := range header {
			cols[strings.ToLower(strings.TrimSpace(name))] = i
		}
		for _, required := range importRequiredColumns {
			if _, ok := cols[required]; !ok {
				return eris.Errorf("CSV is missing required column %q", required)
			}
		}

		field := func(row []string, name string) string {
			i, ok := cols[name]
			if !ok || i >= len(row) {
				return ""
			}
			return strings.TrimSpace(row[i])
		}

		imported, skipped := 0, 0
		line := 1
		for {
			row, err := r.Read()
			if err == io.EOF {
				break
			}
			line++
			if err != nil {
				return eris.Wrapf(err, "read CSV line %d", line)
			}

			externalID := field(row, "external_id")
			startRaw := field(row, "start_time")
			if externalID == "" || startRaw == "" {
				zap.L().Warn("skipping row without external_id or start_time", zap.Int("line", line))
				skipped++
				continue
			}

			sessionID, err := st.UpsertSession(ctx, model.Session{
				CompanyID:  company.ID,
				ExternalID: externalID,
			})
			if err != nil {
				return err
			}
			if err := st.CreateImport(ctx, model.ImportRecord{
				SessionID:      sessionID,
				CompanyID:      company.ID,
				ExternalID:     externalID,
				StartTimeRaw:   startRaw,
				EndTimeRaw:     field(row, "end_time"),
				IPAddress:      field(row, "ip_address"),
				CountryCode:    field(row, "country_code"),
				TranscriptURL:  field(row, "transcript_url"),
				AvgResponseRaw: field(row, "avg_response_secs"),
				InitialMessage: field(row, "initial_message"),
			}); err != nil {
				return err
			}
			if err := st.InitStageStatuses(ctx, sessionID); err != nil {
				return err
			}
			imported++
		}

		zap.L().Info("import finished",
			zap.String("company", company.ID),
			zap.Int("imported", imported),
			zap.Int("skipped", skipped),
		)
		cmd.Printf("Imported %d sessions (%d rows skipped)\n", imported, skipped)
		return nil
	},
}

func init() {
	importCmd.Flags().StringVar(&importCompanyID, "company", "", "company ID owning the sessions (required)")
	importCmd.MarkFlagRequired("company")
	rootCmd.AddCommand(importCmd)
}

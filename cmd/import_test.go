package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/sessions-cli/internal/model"
)

func writeCSV(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.csv")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func runImport(t *testing.T, companyID, csvPath string) (string, error) {
	t.Helper()
	importCmd.SetContext(context.Background())

	oldCompany := importCompanyID
	importCompanyID = companyID
	defer func() { importCompanyID = oldCompany }()

	var out bytes.Buffer
	importCmd.SetOut(&out)
	err := importCmd.RunE(importCmd, []string{csvPath})
	return out.String(), err
}

func TestImportCmd_Metadata(t *testing.T) {
	assert.Equal(t, "import <export.csv>", importCmd.Use)
	assert.NotEmpty(t, importCmd.Short)
	require.NotNil(t, importCmd.Flags().Lookup("company"))
}

func TestImportCmd_UnknownCompany(t *testing.T) {
	testConfig(t)
	migratedStore(t)
	csvPath := writeCSV(t, "external_id,start_time\next-1,05.03.2024 09:15:00\n")

	_, err := runImport(t, "ghost", csvPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown company")
}

func TestImportCmd_MissingRequiredColumn(t *testing.T) {
	testConfig(t)
	st := migratedStore(t)
	require.NoError(t, st.UpsertCompany(context.Background(), model.Company{
		ID: "acme", Name: "Acme", Status: model.CompanyActive,
	}))
	csvPath := writeCSV(t, "external_id,country_code\next-1,NL\n")

	_, err := runImport(t, "acme", csvPath)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `missing required column "start_time"`)
}

func TestImportCmd_RegistersSessionsAndSkipsIncompleteRows(t *testing.T) {
	testConfig(t)
	ctx := context.Background()
	st := migratedStore(t)
	require.NoError(t, st.UpsertCompany(ctx, model.Company{
		ID: "acme", Name: "Acme", Status: model.CompanyActive,
	}))

	csvPath := writeCSV(t,
		"external_id,start_time,end_time,transcript_url,avg_response_secs\n"+
			"ext-1,05.03.2024 09:15:00,05.03.2024 09:45:00,https://t.example.com/1,\"2,5\"\n"+
			"ext-2,05.03.2024 10:00:00,,,\n"+
			",05.03.2024 11:00:00,,,\n")

	out, err := runImport(t, "acme", csvPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Imported 2 sessions (1 rows skipped)")

	pending, err := st.SessionsNeedingProcessing(ctx, model.StageCSVImport, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	require.NotNil(t, pending[0].Import)
	assert.Equal(t, "ext-1", pending[0].Import.ExternalID)
	assert.Equal(t, "https://t.example.com/1", pending[0].Import.TranscriptURL)
	assert.Equal(t, "2,5", pending[0].Import.AvgResponseRaw)

	// Re-import is an upsert, not a duplicate registration.
	_, err = runImport(t, "acme", csvPath)
	require.NoError(t, err)
	again, err := st.SessionsNeedingProcessing(ctx, model.StageCSVImport, 0)
	require.NoError(t, err)
	assert.Len(t, again, 2)
}

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runProcess(t *testing.T, all bool, args []string) (string, error) {
	t.Helper()
	processCmd.SetContext(context.Background())

	oldAll := processAll
	processAll = all
	defer func() { processAll = oldAll }()

	var out bytes.Buffer
	processCmd.SetOut(&out)
	err := processCmd.RunE(processCmd, args)
	return out.String(), err
}

func TestProcessCmd_Metadata(t *testing.T) {
	assert.Equal(t, "process [stage]", processCmd.Use)
	require.NotNil(t, processCmd.Flags().Lookup("all"))
}

func TestProcessCmd_RequiresStageOrAll(t *testing.T) {
	_, err := runProcess(t, false, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provide exactly one stage, or --all")

	_, err = runProcess(t, true, []string{"CSV_IMPORT"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "provide exactly one stage, or --all")
}

func TestProcessCmd_UnknownStage(t *testing.T) {
	testConfig(t)
	migratedStore(t)

	_, err := runProcess(t, false, []string{"BOGUS"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown stage "BOGUS"`)
}

func TestProcessCmd_EmptyStageRun(t *testing.T) {
	testConfig(t)
	migratedStore(t)

	out, err := runProcess(t, false, []string{"CSV_IMPORT"})
	require.NoError(t, err)
	assert.Contains(t, out, "CSV_IMPORT")
	assert.Contains(t, out, "processed=0")
}

func TestProcessCmd_AllRunsEveryStage(t *testing.T) {
	testConfig(t)
	migratedStore(t)

	out, err := runProcess(t, true, nil)
	require.NoError(t, err)
	for _, stage := range []string{"CSV_IMPORT", "TRANSCRIPT_FETCH", "SESSION_CREATION", "AI_ANALYSIS", "QUESTION_EXTRACTION"} {
		assert.Contains(t, out, stage)
	}
}

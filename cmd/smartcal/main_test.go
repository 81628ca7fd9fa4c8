package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartcal/internal/cache"
	"smartcal/internal/model"
	"smartcal/internal/pipeline"
)

const testICS = "BEGIN:VCALENDAR\r\n" +
	"VERSION:2.0\r\n" +
	"PRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\n" +
	"UID:retro@test\r\n" +
	"SUMMARY:Sprint review\r\n" +
	"DTSTART:20200106T100000Z\r\n" +
	"DTEND:20200106T110000Z\r\n" +
	"END:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func execute(t *testing.T, args ...string) []byte {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	if store != nil {
		store.Close()
		store = nil
	}
	require.NoError(t, err)
	return out.Bytes()
}

func TestCLI_ImportAndCache(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SMARTCAL_CACHE_DIR", filepath.Join(dir, "cache"))
	t.Setenv("SMARTCAL_TIMEZONE", "UTC")

	cfgPath := filepath.Join(dir, "config.yaml")
	icsFile := filepath.Join(dir, "cal.ics")
	require.NoError(t, os.WriteFile(icsFile, []byte(testICS), 0o600))

	raw := execute(t, "--config", cfgPath, "import", "--ics", icsFile, "--days", "-1")
	var imp pipeline.ImportOutput
	require.NoError(t, json.Unmarshal(raw, &imp))
	require.Len(t, imp.Events, 1)
	assert.Equal(t, "Sprint review", imp.Events[0].Summary)
	assert.Equal(t, "UTC", imp.Timezone)
	assert.FileExists(t, cfgPath)

	raw = execute(t, "--config", cfgPath, "cache", "stats")
	var st cache.Stats
	require.NoError(t, json.Unmarshal(raw, &st))
	assert.Equal(t, 1, st.Stages[cache.StageImport].Entries)

	raw = execute(t, "--config", cfgPath, "cache", "invalidate", "import")
	assert.JSONEq(t, `{"removed":1}`, string(raw))
}

func TestApplyQueryFlags(t *testing.T) {
	newCmd := func() *cobra.Command {
		c := &cobra.Command{Use: "x"}
		c.Flags().StringVar(&query.Summary, "summary", "", "")
		c.Flags().IntVar(&query.DurationMin, "duration", 60, "")
		c.Flags().StringVar((*string)(&query.Category), "category", "", "")
		c.Flags().StringVar((*string)(&query.Priority), "priority", "", "")
		c.Flags().StringVar(&query.PreferredTime, "preferred", "", "")
		return c
	}

	c := newCmd()
	require.NoError(t, c.ParseFlags([]string{"--category", "study", "--priority", "high", "--preferred", "evening"}))
	q := model.Query{Summary: "from file"}
	require.NoError(t, applyQueryFlags(c, &q))
	assert.Equal(t, model.Query{
		Summary:       "from file",
		DurationMin:   60,
		Category:      model.CategoryStudy,
		Priority:      model.PriorityHigh,
		PreferredTime: "evening",
	}, q)

	c = newCmd()
	require.NoError(t, c.ParseFlags([]string{"--category", "napping"}))
	assert.Error(t, applyQueryFlags(c, &model.Query{}))

	c = newCmd()
	require.NoError(t, c.ParseFlags([]string{"--preferred", "night"}))
	assert.Error(t, applyQueryFlags(c, &model.Query{}))
}

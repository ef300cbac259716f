package cmd

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"batchpack/internal/models"
	"batchpack/internal/pipeline"
	"batchpack/internal/rates"
)

func batchItems() []*models.BatchItem {
	return []*models.BatchItem{
		{ID: "0b7c", Name: "Portal"},
		{ID: "9f21", Name: "Half Life"},
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		line    string
		want    string
		wantErr string
	}{
		{"all", pipeline.CancelAllCommand, ""},
		{"  ALL  ", pipeline.CancelAllCommand, ""},
		{"cancel", pipeline.CancelAllCommand, ""},
		{"all now", "", "commands:"},
		{"skip 0b7c", "0b7c", ""},
		{"skip portal", "0b7c", ""},
		{"skip Half Life", "9f21", ""},
		{"skip", "", "commands:"},
		{"skip Quake", "", `no item named "Quake"`},
		{"", "", "commands:"},
		{"pause", "", "commands:"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			got, err := parseCommand(tt.line, batchItems())
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseCommandRefusesAmbiguousName(t *testing.T) {
	items := []*models.BatchItem{
		{ID: "a1", Name: "Game"},
		{ID: "b2", Name: "Game"},
	}

	_, err := parseCommand("skip game", items)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `"game" matches 2 items`)
	assert.Contains(t, err.Error(), "a1, b2")

	got, err := parseCommand("skip b2", items)
	require.NoError(t, err)
	assert.Equal(t, "b2", got)
}

func TestReadCommands(t *testing.T) {
	out := make(chan string, 4)
	input := strings.NewReader("skip Portal\nbogus\nall\n")

	readCommands(context.Background(), input, batchItems(), out)
	close(out)

	var got []string
	for c := range out {
		got = append(got, c)
	}
	assert.Equal(t, []string{"0b7c", pipeline.CancelAllCommand}, got)
}

func TestReadCommandsStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		readCommands(ctx, strings.NewReader("all\nall\n"), batchItems(), make(chan string))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("readCommands did not return after cancel")
	}
}

func TestCreateRunPlan(t *testing.T) {
	cfg = testConfig(t)
	cfg.BucketName = "games"
	items := []*models.BatchItem{
		{ID: "a", Name: "Portal", Folder: "/games/Portal", DoZip: true, DoUpload: true, SizeBytes: 300 << 20},
		{ID: "b", Name: "Quake", Folder: "/games/Quake", DoCrack: true, SizeBytes: 100 << 20},
	}

	plan := createRunPlan(items, rates.Defaults(), true)

	require.Len(t, plan.Items, 2)
	assert.True(t, plan.DryRun)
	assert.Equal(t, int64(400<<20), plan.TotalBytes)
	assert.Equal(t, "games", plan.BucketName)
	assert.Equal(t, "zip", plan.ArchiveFormat)
	assert.True(t, plan.Items[0].Upload)
	assert.True(t, plan.Items[1].Crack)
	assert.NotEqual(t, "0s", plan.Estimate)
}

func TestCreateRunPlanWithoutUploads(t *testing.T) {
	cfg = testConfig(t)
	cfg.BucketName = "games"
	items := []*models.BatchItem{{ID: "a", Name: "Portal", DoZip: true, SizeBytes: 1 << 20}}

	plan := createRunPlan(items, rates.Defaults(), false)

	assert.Empty(t, plan.BucketName)
	assert.False(t, plan.DryRun)
}

func TestRunDryRun(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Portal")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "game.exe"), make([]byte, 4096), 0o644))

	c := testConfig(t)
	output := execute(t, c, "run", "--zip", "--dry-run", dir)

	var plan models.RunPlan
	require.NoError(t, json.Unmarshal([]byte(output), &plan), output)
	require.Len(t, plan.Items, 1)
	assert.Equal(t, "Portal", plan.Items[0].Name)
	assert.True(t, plan.Items[0].Zip)
	assert.False(t, plan.Items[0].Upload)
	assert.Equal(t, int64(4096), plan.TotalBytes)
	assert.True(t, plan.DryRun)

	_, err := os.Stat(c.ArchiveDir)
	assert.True(t, os.IsNotExist(err), "dry run must not create archives")
}

func TestRunRejectsMissingFolder(t *testing.T) {
	output := execute(t, testConfig(t), "run", "--zip", "--dry-run", filepath.Join(t.TempDir(), "missing"))

	var resp models.ErrorResponse
	require.NoError(t, json.Unmarshal([]byte(output), &resp), output)
	assert.Equal(t, "run", resp.Command)
	assert.Contains(t, resp.Error, "path does not exist")
}

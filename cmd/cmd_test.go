package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"batchpack/config"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	return &config.Config{
		KeyPrefix:        "uploads",
		ArchiveFormat:    "zip",
		ArchiveDir:       filepath.Join(t.TempDir(), "archives"),
		SevenZipPath:     "7z",
		Emulator:         "goldberg",
		UploadWorkers:    3,
		UploadAttempts:   3,
		SafetyMultiplier: 1.3,
		RatesFile:        filepath.Join(t.TempDir(), "rates.env"),
		LogLevel:         "error",
	}
}

// execute runs the root command with args and returns what it printed to stdout.
func execute(t *testing.T, c *config.Config, args ...string) string {
	t.Helper()
	cfg = c

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	rootCmd.SetArgs(args)
	execErr := rootCmd.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)
	require.NoError(t, execErr)
	return buf.String()
}

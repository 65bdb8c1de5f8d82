package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "storage-core.log")
	log, err := New(Config{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	log.Info("page fetched", zap.Int("page_id", 7))
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), `"component":"storage-core"`)
}

func TestNewConsoleFormatDefaultsToStdout(t *testing.T) {
	log, err := New(Config{Level: "info", Format: "console"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewFallsBackToInfoOnInvalidLevel(t *testing.T) {
	log, err := New(Config{Level: "not-a-level"})
	require.NoError(t, err)
	require.NotNil(t, log)
}

func TestNewRejectsUnwritableOutputFile(t *testing.T) {
	_, err := New(Config{OutputFile: filepath.Join(t.TempDir(), "missing-dir", "x.log")})
	require.Error(t, err)
}

func TestSamplingDropsMessagesBeyondThreshold(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sampled.log")
	log, err := New(Config{
		Level: "warn", Format: "json", OutputFile: path,
		SampleInitial: 2, SampleThereafter: 100,
	})
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		log.Warn("unpin_page: pin count already zero", zap.Int32("page_id", 7))
	}
	require.NoError(t, log.Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Count(strings.TrimRight(string(data), "\n"), "\n") + 1
	require.Less(t, lines, 10, "sampler must have dropped some of the 10 identical warnings")
}

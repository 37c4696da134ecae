package streamconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadFileOverridesDefaultsOnlyForPresentKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stream.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
slippage = 0.02
server_address = "g.example.server"
`), 0o644))

	f, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, 0.02, f.Slippage)
	require.Equal(t, "g.example.server", f.ServerAddress)
	// untouched fields keep Default()'s values.
	require.Equal(t, Default().MaxRetries, f.MaxRetries)
	require.Equal(t, Default().TargetPacketSize, f.TargetPacketSize)
}

func TestLoadEnvOverlaysOnlyRecognizedKeys(t *testing.T) {
	base := Default()
	r := strings.NewReader("STREAM_SLIPPAGE=0.05\nSTREAM_MAX_RETRIES=3\nUNRELATED_KEY=ignored\n")

	f, err := LoadEnv(r, base)
	require.NoError(t, err)
	require.Equal(t, 0.05, f.Slippage)
	require.Equal(t, 3, f.MaxRetries)
	require.Equal(t, base.TargetPacketSize, f.TargetPacketSize)
}

func TestLoadEnvFileMissingFileIsNotAnError(t *testing.T) {
	base := Default()
	f, err := LoadEnvFile(filepath.Join(t.TempDir(), "does-not-exist.env"), base)
	require.NoError(t, err)
	require.Equal(t, base, f)
}

func TestLoadEnvRejectsMalformedFloat(t *testing.T) {
	r := strings.NewReader("STREAM_SLIPPAGE=not-a-number\n")
	_, err := LoadEnv(r, Default())
	require.Error(t, err)
}

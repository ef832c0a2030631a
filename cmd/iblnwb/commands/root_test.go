package commands_test

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/iblnwb/cmd/iblnwb/commands"
	"github.com/Sumatoshi-tech/iblnwb/pkg/catalog"
	"github.com/Sumatoshi-tech/iblnwb/pkg/nwb"
)

// workspace writes a config keeping every path below a temp dir.
func workspace(t *testing.T) (dir, configPath string) {
	t.Helper()

	dir = t.TempDir()
	configPath = filepath.Join(dir, "iblnwb.yaml")

	content := "catalog:\n  path: " + filepath.Join(dir, "catalog.db") + "\n" +
		"checkpoint:\n  dir: " + filepath.Join(dir, "checkpoints") + "\n" +
		"one:\n  cache_dir: " + filepath.Join(dir, "ONE") + "\n  download: false\n" +
		"alyx:\n  rest_cache_dir: ''\n" +
		"logging:\n  level: error\n"
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o600))

	return dir, configPath
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	var out bytes.Buffer

	root := commands.NewRootCommand()
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(append([]string{"--no-color"}, args...))

	err := root.ExecuteContext(context.Background())

	return out.String(), err
}

func writeSession(t *testing.T, dir string) string {
	t.Helper()

	root := nwb.NewGroup("/")
	root.NeurodataType = "NWBFile"
	root.Namespace = nwb.CoreNamespace
	root.Attrs["nwb_version"] = nwb.Version
	root.AddDataset(nwb.Text("identifier", "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a"))
	root.AddDataset(nwb.Text("session_description", "ephys session"))

	units := nwb.NewGroup("units")
	units.NeurodataType = "Units"
	units.Namespace = nwb.CoreNamespace
	units.AddDataset(nwb.Int("id", []int64{0, 1}))
	root.AddGroup(units)

	path := filepath.Join(dir, "session.nwb")
	_, err := nwb.Write(path, &nwb.File{Root: root}, nwb.WriteOptions{})
	require.NoError(t, err)

	return path
}

func TestRootCommand_Subcommands(t *testing.T) {
	t.Parallel()

	names := make([]string, 0)
	for _, c := range commands.NewRootCommand().Commands() {
		names = append(names, c.Name())
	}

	for _, want := range []string{"convert", "batch", "metadata", "extract", "register", "verify", "inspect", "status", "mcp", "version"} {
		assert.Contains(t, names, want)
	}
}

func TestVersionCommand(t *testing.T) {
	t.Parallel()

	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "iblnwb")
	assert.Contains(t, out, nwb.Version)
}

func TestMCPCommand_Exists(t *testing.T) {
	t.Parallel()

	cmd := commands.NewMCPCommand(&commands.Globals{})
	require.NotNil(t, cmd)
	assert.Equal(t, "mcp", cmd.Use)
	assert.NotEmpty(t, cmd.Short)
	assert.Contains(t, cmd.Long, "nwb_inspect")
}

func TestInspectCommand(t *testing.T) {
	t.Parallel()

	dir, cfg := workspace(t)
	path := writeSession(t, dir)
	report := filepath.Join(dir, "report.html")

	out, err := run(t, "--config", cfg, "inspect", path, "--html", report)
	require.NoError(t, err)

	assert.Contains(t, out, "4ecb5d24-f5cc-402c-be28-9d0f7cb14b3a")
	assert.Contains(t, out, "report written to")
	assert.FileExists(t, report)
}

func TestInspectCommand_JSON(t *testing.T) {
	t.Parallel()

	dir, cfg := workspace(t)

	out, err := run(t, "--config", cfg, "inspect", "--json", writeSession(t, dir))
	require.NoError(t, err)
	assert.Contains(t, out, `"units": 2`)
}

func TestExtractCommand_NotNWB(t *testing.T) {
	t.Parallel()

	dir, cfg := workspace(t)
	path := filepath.Join(dir, "plain.nwb")
	require.NoError(t, os.WriteFile(path, []byte("not hdf5"), 0o600))

	_, err := run(t, "--config", cfg, "extract", path)
	require.Error(t, err)
}

func TestExtractCommand_UnknownFormat(t *testing.T) {
	t.Parallel()

	dir, cfg := workspace(t)

	_, err := run(t, "--config", cfg, "extract", "--format", "xml", writeSession(t, dir))
	require.Error(t, err)
}

func TestStatusCommand(t *testing.T) {
	t.Parallel()

	dir, cfg := workspace(t)

	out, err := run(t, "--config", cfg, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "no conversions recorded")

	cat, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	require.NoError(t, err)

	_, err = cat.RecordConversion(context.Background(), catalog.Conversion{
		EID: "eid-1", Subject: "KS023", Status: catalog.StatusPartial, Failures: 2,
		Duration: time.Second, FinishedAt: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, cat.Close())

	out, err = run(t, "--config", cfg, "status", "--status", "partial")
	require.NoError(t, err)
	assert.Contains(t, out, "eid-1")
	assert.Contains(t, out, "KS023")
}

func TestBatchCommand_NoSessions(t *testing.T) {
	t.Parallel()

	_, cfg := workspace(t)

	_, err := run(t, "--config", cfg, "batch")
	require.ErrorIs(t, err, commands.ErrNoSessions)
}

func TestConvertCommand_RequiresEID(t *testing.T) {
	t.Parallel()

	_, cfg := workspace(t)

	_, err := run(t, "--config", cfg, "convert")
	require.Error(t, err)
}

func TestInvalidConfig(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	cfg := filepath.Join(dir, "iblnwb.yaml")
	require.NoError(t, os.WriteFile(cfg, []byte("conversion:\n  workers: 0\n"), 0o600))

	_, err := run(t, "--config", cfg, "status")
	require.Error(t, err)
}

package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/orbiterhq/mmq"
)

// run executes the root command with args against a queue in dir.
func run(t *testing.T, dir, stdin string, args ...string) (string, string, error) {
	t.Helper()
	root := NewRoot()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--dir", dir, "--name", "events", "--log-level", "none"}, args...))
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestParseIndex(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"first", mmq.IndexFirst},
		{"LAST", mmq.IndexLast},
		{"end", mmq.IndexEnd},
		{"42", 42},
	}
	for _, tt := range tests {
		got, err := parseIndex(tt.in)
		require.NoError(t, err, tt.in)
		require.Equal(t, tt.want, got, tt.in)
	}
	_, err := parseIndex("soon")
	require.Error(t, err)
}

func TestAppendReadLast(t *testing.T) {
	dir := t.TempDir()

	out, _, err := run(t, dir, "", "append", "a", "bb")
	require.NoError(t, err)
	require.Equal(t, "0\n1\n", out)

	out, _, err = run(t, dir, "ccc\ndddd\n", "append", "--stdin")
	require.NoError(t, err)
	require.Equal(t, "2\n3\n", out)

	out, _, err = run(t, dir, "", "last")
	require.NoError(t, err)
	require.Equal(t, "3\n", out)

	out, _, err = run(t, dir, "", "read", "1")
	require.NoError(t, err)
	require.Equal(t, "1\tbb\n", out)

	out, _, err = run(t, dir, "", "read", "last", "--json")
	require.NoError(t, err)
	var e entry
	require.NoError(t, json.Unmarshal([]byte(out), &e))
	require.Equal(t, entry{Index: 3, Payload: "dddd"}, e)

	_, _, err = run(t, dir, "", "read", "9")
	require.ErrorContains(t, err, "no entry")
}

func TestAppendRequiresPayload(t *testing.T) {
	_, _, err := run(t, t.TempDir(), "", "append")
	require.ErrorContains(t, err, "nothing to append")
}

func TestReadersRequireExistingQueue(t *testing.T) {
	dir := t.TempDir()
	for _, args := range [][]string{{"last"}, {"read", "0"}, {"tail"}, {"stats"}} {
		_, _, err := run(t, dir, "", args...)
		require.Error(t, err, args[0])
	}
	_, err := os.Stat(filepath.Join(dir, "events.meta"))
	require.True(t, os.IsNotExist(err))
}

func TestTail(t *testing.T) {
	dir := t.TempDir()
	_, _, err := run(t, dir, "", "append", "a", "b", "c", "d")
	require.NoError(t, err)

	out, _, err := run(t, dir, "", "tail")
	require.NoError(t, err)
	require.Equal(t, "0\ta\n1\tb\n2\tc\n3\td\n", out)

	out, _, err = run(t, dir, "", "tail", "--from", "2", "--limit", "1")
	require.NoError(t, err)
	require.Equal(t, "2\tc\n", out)

	out, _, err = run(t, dir, "", "tail", "--from", "last")
	require.NoError(t, err)
	require.Equal(t, "3\td\n", out)

	out, _, err = run(t, dir, "", "tail", "--from", "end")
	require.NoError(t, err)
	require.Empty(t, out)
}

func TestTailFollowStopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	_, _, err := run(t, dir, "", "append", "a")
	require.NoError(t, err)

	root := NewRoot()
	var stdout bytes.Buffer
	root.SetOut(&stdout)
	root.SetArgs([]string{"--dir", dir, "--name", "events", "--log-level", "none",
		"tail", "--follow", "--interval", "1ms"})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, root.ExecuteContext(ctx))
	require.Equal(t, "0\ta\n", stdout.String())
}

func TestStats(t *testing.T) {
	dir := t.TempDir()
	_, _, err := run(t, dir, "", "append", "x", "y")
	require.NoError(t, err)

	out, _, err := run(t, dir, "", "stats")
	require.NoError(t, err)
	var snap mmq.MetricsSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	require.Equal(t, int64(1), snap.LastIndex)
	require.Zero(t, snap.OpenAppenders)

	out, _, err = run(t, dir, "", "stats", "--format", "yaml")
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal([]byte(out), &doc))
	require.Equal(t, 1, doc["last_index"])

	_, _, err = run(t, dir, "", "stats", "--format", "xml")
	require.ErrorContains(t, err, "unknown format")
}

func TestExportImport(t *testing.T) {
	src, dst := t.TempDir(), t.TempDir()
	payloads := []string{"alpha", "", "gamma", strings.Repeat("z", 5000)}
	_, _, err := run(t, src, "", append([]string{"append"}, payloads...)...)
	require.NoError(t, err)

	file := filepath.Join(t.TempDir(), "events.mmqx")
	_, stderr, err := run(t, src, "", "export", "--out", file)
	require.NoError(t, err)
	require.Contains(t, stderr, "exported 4 entries")

	_, stderr, err = run(t, dst, "", "import", "--in", file)
	require.NoError(t, err)
	require.Contains(t, stderr, "imported 4 entries")

	out, _, err := run(t, dst, "", "tail", "--json")
	require.NoError(t, err)
	dec := json.NewDecoder(strings.NewReader(out))
	for i, want := range payloads {
		var e entry
		require.NoError(t, dec.Decode(&e))
		require.Equal(t, entry{Index: int64(i), Payload: want}, e)
	}
	require.False(t, dec.More())
}

func TestImportRejectsGarbage(t *testing.T) {
	file := filepath.Join(t.TempDir(), "bad")
	require.NoError(t, os.WriteFile(file, []byte("not zstd at all"), 0644))
	_, _, err := run(t, t.TempDir(), "", "import", "--in", file)
	require.Error(t, err)
}

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	require.Equal(t, mmq.DefaultConfig().MaxAppenders, cfg.MaxAppenders)

	path := filepath.Join(t.TempDir(), "mmq.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_appenders: 8\nlog:\n  level: warn\n"), 0644))
	cfg, err = LoadConfig(path)
	require.NoError(t, err)
	require.Equal(t, 8, cfg.MaxAppenders)
	require.Equal(t, "warn", cfg.Log.Level)
	require.Equal(t, mmq.DefaultConfig().Header, cfg.Header)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestNewZapLogger(t *testing.T) {
	for _, level := range []string{"", "debug", "warn", "none", "OFF"} {
		logger, err := newZapLogger(level)
		require.NoError(t, err, level)
		require.NotNil(t, logger)
	}
	_, err := newZapLogger("loud")
	require.Error(t, err)
}

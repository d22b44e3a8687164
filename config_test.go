package btree

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "kv.db")

	cfgPath := filepath.Join(dir, "config.yaml")
	cfgYAML := "storage:\n  file: " + dbPath + "\n  branching: 4\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(cfgYAML), 0o644))

	cfg, err := LoadConfig(cfgPath)
	require.NoError(t, err)
	require.Equal(t, dbPath, cfg.Storage.File)
	require.Equal(t, 4, cfg.Storage.Branching)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestOpenFromConfig(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{}
	cfg.Storage.File = filepath.Join(dir, "kv.db")
	cfg.Storage.Branching = 4

	tree, err := OpenFromConfig(cfg)
	require.NoError(t, err)
	defer func() { _ = tree.Close() }()

	require.NoError(t, tree.Insert("a", "b"))
	v, err := tree.Search("a")
	require.NoError(t, err)
	require.Equal(t, "b", v)
}

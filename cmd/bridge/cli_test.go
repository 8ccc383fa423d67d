package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"ledgerbridge/internal/config"
	"ledgerbridge/internal/launcher"
	"ledgerbridge/internal/mcp"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"), mode))
}

func resolverConfig(t *testing.T) *config.Config {
	t.Helper()
	c := config.DefaultConfig()
	c.Launcher.ServersDir = t.TempDir()
	c.Launcher.Interpreter = "sh"
	return c
}

func TestResolver_PrefersWorkerVenv(t *testing.T) {
	c := resolverConfig(t)
	dir := filepath.Join(c.Launcher.ServersDir, "pdf-processor")
	writeFile(t, filepath.Join(dir, "pdf_processor_server.py"), 0o644)
	writeFile(t, filepath.Join(dir, "venv", "bin", "python"), 0o755)

	cmd, err := newResolver(c).Resolve("pdf-processor")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "venv", "bin", "python"), cmd.Path)
	assert.Equal(t, []string{filepath.Join(dir, "pdf_processor_server.py")}, cmd.Args)
	assert.Equal(t, dir, cmd.Dir)
}

func TestResolver_SharedVenvThenFallback(t *testing.T) {
	c := resolverConfig(t)
	dir := filepath.Join(c.Launcher.ServersDir, "financial-analyzer")
	writeFile(t, filepath.Join(dir, "analyzer_server.py"), 0o644)

	r := newResolver(c)
	cmd, err := r.Resolve("financial-analyzer")
	require.NoError(t, err)
	assert.Equal(t, "sh", filepath.Base(cmd.Path))

	shared := filepath.Join(c.Launcher.ServersDir, "venv", "bin", "python")
	writeFile(t, shared, 0o755)
	cmd, err = r.Resolve("financial-analyzer")
	require.NoError(t, err)
	assert.Equal(t, shared, cmd.Path)
}

func TestResolver_Errors(t *testing.T) {
	r := newResolver(resolverConfig(t))

	_, err := r.Resolve("openai-service")
	assert.ErrorIs(t, err, mcp.ErrLifecycle)

	_, err = r.Resolve("ocr-worker")
	assert.ErrorIs(t, err, launcher.ErrUnknownWorkerType)
}

func TestConfigInitCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"config", "init", "--config", path})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), path)

	loaded, err := config.Load(path)
	require.NoError(t, err)
	assert.Len(t, loaded.Workers, 3)
	assert.Equal(t, "pdf-processor", loaded.GraceWorker())
}

func TestResolver_CommandSkipsInterpreter(t *testing.T) {
	c := resolverConfig(t)
	c.Workers[0].Script = ""
	c.Workers[0].Command = "sh"
	require.NoError(t, c.Validate())

	cmd, err := newResolver(c).Resolve(c.Workers[0].Type)
	require.NoError(t, err)
	assert.Equal(t, "sh", filepath.Base(cmd.Path))
	assert.Empty(t, cmd.Args)
}

package root

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"testing/fstest"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicate/rget/pkg/assemble"
	"github.com/replicate/rget/pkg/progress"
)

var testFS = fstest.MapFS{
	"hello.txt": {Data: []byte("hello, world!")},
}

func runCommand(t *testing.T, args ...string) error {
	t.Helper()
	t.Cleanup(viper.Reset)
	cmd := GetCommand()
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	return cmd.Execute()
}

func TestRootCommandDownloads(t *testing.T) {
	ts := httptest.NewServer(http.FileServer(http.FS(testFS)))
	defer ts.Close()

	dir := filepath.Join(t.TempDir(), "out")
	err := runCommand(t, "-d", dir, "-c", "4", "--progress", "none", "--log-level", "warn", ts.URL+"/hello.txt")
	require.NoError(t, err)

	content, err := os.ReadFile(filepath.Join(dir, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, testFS["hello.txt"].Data, content)
}

func TestRootCommandRefusesExistingDestination(t *testing.T) {
	ts := httptest.NewServer(http.FileServer(http.FS(testFS)))
	defer ts.Close()

	dir := t.TempDir()
	dest := filepath.Join(dir, "existing.txt")
	require.NoError(t, os.WriteFile(dest, []byte("keep me"), 0644))

	err := runCommand(t, "-d", dir, "-o", "existing.txt", "--progress", "none", "--log-level", "warn", ts.URL+"/hello.txt")
	assert.ErrorContains(t, err, "already exists")
	content, _ := os.ReadFile(dest)
	assert.Equal(t, "keep me", string(content))

	err = runCommand(t, "-f", "-d", dir, "-o", "existing.txt", "--progress", "none", "--log-level", "warn", ts.URL+"/hello.txt")
	require.NoError(t, err)
	content, _ = os.ReadFile(dest)
	assert.Equal(t, testFS["hello.txt"].Data, content)
}

func TestRootCommandRejectsConcurrency(t *testing.T) {
	err := runCommand(t, "-c", "21", "--log-level", "warn", "http://127.0.0.1:1/file")
	assert.ErrorContains(t, err, "concurrency must be between")
}

func TestRootCommandArgs(t *testing.T) {
	err := runCommand(t)
	assert.Error(t, err)
}

func TestNewGetter(t *testing.T) {
	t.Cleanup(viper.Reset)
	cmd := GetCommand()
	require.NoError(t, cmd.ParseFlags([]string{
		"--buffer-size", "64K",
		"--max-bandwidth", "10M",
		"--assembly", "parts",
		"--progress", "bar",
		"-c", "8",
		"--resolve", "example.com:443:127.0.0.1",
	}))

	getter, err := newGetter()
	require.NoError(t, err)
	assert.Equal(t, int64(64_000), getter.Options.BufferSize)
	assert.Equal(t, int64(10_000_000), getter.Options.MaxBandwidth)
	assert.Equal(t, 8, getter.Options.Concurrency)
	assert.Equal(t, assemble.Parts, getter.Assembly)
	assert.IsType(t, &progress.BarSink{}, getter.Sink)
	assert.Equal(t, map[string]string{"example.com:443": "127.0.0.1:443"}, getter.Options.Client.ResolveOverrides)

	viper.Set("buffer-size", "lots")
	_, err = newGetter()
	assert.ErrorContains(t, err, "invalid buffer-size")
}

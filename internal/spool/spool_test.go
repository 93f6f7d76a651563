package spool

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/arbor/models"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger().WithConsoleWriter(models.WriterConfiguration{Type: models.LogWriterTypeConsole})
}

func TestPutGetRoundTrips(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	s, err := Open(dir, true, testLogger())
	require.NoError(t, err)
	defer s.Close()

	type outputs struct {
		Paths []string `json:"paths"`
	}
	in := outputs{Paths: []string{"/runpath/0/output.json"}}
	require.NoError(t, s.Put(0, in))

	var out outputs
	require.NoError(t, s.Get(0, &out))
	assert.Equal(t, in.Paths, out.Paths)
}

func TestGetMissingIterationErrors(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "spool")
	s, err := Open(dir, true, testLogger())
	require.NoError(t, err)
	defer s.Close()

	var out map[string]any
	err = s.Get(99, &out)
	assert.Error(t, err)
}

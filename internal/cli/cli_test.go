package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fraud-anomaly-scoring/internal/version"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	defer rootCmd.SetArgs(nil)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Equal(t, version.String(), out)
}

func TestMigrateRequiresCommand(t *testing.T) {
	_, err := execute(t, "migrate")
	assert.Error(t, err)
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "ingest", "score", "show", "export", "model", "migrate", "alerts", "simulate-alert", "version"} {
		assert.True(t, names[want], want)
	}

	sub := map[string]bool{}
	for _, c := range modelCmd.Commands() {
		sub[c.Name()] = true
	}
	assert.True(t, sub["publish"])
	assert.True(t, sub["runs"])
}

package main

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandVersion(t *testing.T) {
	cmd := commandVersion()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	orig := os.Stdout
	os.Stdout = w
	cmd.Run(cmd, nil)
	w.Close()
	os.Stdout = orig

	out, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Contains(t, string(out), "authgate version: dev")
	assert.Contains(t, string(out), "go version:")
}

func TestCommandRootHasSubcommands(t *testing.T) {
	root := commandRoot()
	names := map[string]bool{}
	for _, c := range root.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["serve"])
	assert.True(t, names["version"])
}

func TestCommandServeRequiresConfigArg(t *testing.T) {
	cmd := commandServe()
	require.NotNil(t, cmd.Args)
	assert.Error(t, cmd.Args(cmd, nil))
	assert.NoError(t, cmd.Args(cmd, []string{"config.yaml"}))
}

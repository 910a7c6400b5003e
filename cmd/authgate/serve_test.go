package main

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thefixer3x/onasis-authgate/pkg/featureflags"
)

func TestUnmarshalConfigAllowsUnknownFieldsByDefault(t *testing.T) {
	raw := []byte(`
storage:
  type: memory
web:
  http: 127.0.0.1:5556
cookieDomain: example.com
somethingMadeUp: true
`)
	var c Config
	require.NoError(t, unmarshalConfig(raw, &c))
	assert.Equal(t, "memory", c.Storage.Type)
}

func TestUnmarshalConfigRejectsUnknownFieldsWhenFlagged(t *testing.T) {
	require.NoError(t, os.Setenv("AUTHGATE_CONFIG_DISALLOW_UNKNOWN_FIELDS", "true"))
	defer os.Unsetenv("AUTHGATE_CONFIG_DISALLOW_UNKNOWN_FIELDS")

	raw := []byte(`
storage:
  type: memory
web:
  http: 127.0.0.1:5556
cookieDomain: example.com
somethingMadeUp: true
`)
	var c Config
	err := unmarshalConfig(raw, &c)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "somethingMadeUp")
}

func TestExpandEnvFlagDefaultsEnabled(t *testing.T) {
	os.Unsetenv("AUTHGATE_EXPAND_ENV")
	assert.True(t, featureflags.ExpandEnv.Enabled())
}

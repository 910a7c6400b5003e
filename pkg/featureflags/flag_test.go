package featureflags

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagDefaultWhenEnvUnset(t *testing.T) {
	f := newFlag("unset_flag", true)
	os.Unsetenv(f.env())
	assert.True(t, f.Enabled())
}

func TestFlagEnvOverridesDefault(t *testing.T) {
	f := newFlag("override_flag", false)
	require.NoError(t, os.Setenv(f.env(), "true"))
	defer os.Unsetenv(f.env())
	assert.True(t, f.Enabled())
}

func TestFlagInvalidEnvFallsBackToDefault(t *testing.T) {
	f := newFlag("bad_flag", true)
	os.Setenv(f.env(), "not-a-bool")
	defer os.Unsetenv(f.env())
	assert.True(t, f.Enabled())
}

func TestFlagEnvNameHasPrefix(t *testing.T) {
	f := newFlag("expand_env", true)
	assert.Equal(t, "AUTHGATE_EXPAND_ENV", f.env())
}

package env

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetStringFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret")
	require.NoError(t, os.WriteFile(path, []byte("  from-file\n"), 0o600))

	t.Setenv("TEST_SECRET", "from-env")
	assert.Equal(t, "from-env", GetStringFromFile("TEST_SECRET", "default"))

	t.Setenv("TEST_SECRET_FILE", path)
	assert.Equal(t, "from-file", GetStringFromFile("TEST_SECRET", "default"))

	t.Setenv("TEST_SECRET_FILE", filepath.Join(dir, "missing"))
	assert.Equal(t, "from-env", GetStringFromFile("TEST_SECRET", "default"))
}

func TestTypedGetters(t *testing.T) {
	t.Setenv("TEST_INT", "42")
	t.Setenv("TEST_BAD_INT", "forty-two")
	t.Setenv("TEST_INT64", "10485760")
	t.Setenv("TEST_BOOL", "true")
	t.Setenv("TEST_DURATION", "750ms")
	t.Setenv("TEST_SLICE", "a, b,,c ")

	assert.Equal(t, 42, GetInt("TEST_INT", 1))
	assert.Equal(t, 1, GetInt("TEST_BAD_INT", 1))
	assert.Equal(t, int64(10485760), GetInt64("TEST_INT64", 0))
	assert.True(t, GetBool("TEST_BOOL", false))
	assert.Equal(t, 750*time.Millisecond, GetDuration("TEST_DURATION", time.Second))
	assert.Equal(t, []string{"a", "b", "c"}, GetStringSlice("TEST_SLICE", nil))
	assert.Equal(t, []string{"x"}, GetStringSlice("TEST_UNSET_SLICE", []string{"x"}))
	assert.Equal(t, "fallback", GetString("TEST_UNSET", "fallback"))
}

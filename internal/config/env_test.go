package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "default", GetEnv("TEST_NONEXISTENT_VAR", "default"))

	t.Setenv("TEST_GET_ENV", "custom")
	assert.Equal(t, "custom", GetEnv("TEST_GET_ENV", "default"))
}

func TestGetIntEnv(t *testing.T) {
	assert.Equal(t, 42, GetIntEnv("TEST_NONEXISTENT_INT", 42))

	t.Setenv("TEST_INT_ENV", "123")
	assert.Equal(t, 123, GetIntEnv("TEST_INT_ENV", 42))

	t.Setenv("TEST_INVALID_INT", "not-a-number")
	assert.Equal(t, 42, GetIntEnv("TEST_INVALID_INT", 42), "invalid int falls back to default")
}

func TestGetDurationEnv(t *testing.T) {
	def := 5 * time.Second
	assert.Equal(t, def, GetDurationEnv("TEST_NONEXISTENT_DURATION", def))

	t.Setenv("TEST_DURATION_ENV", "30s")
	assert.Equal(t, 30*time.Second, GetDurationEnv("TEST_DURATION_ENV", def))

	t.Setenv("TEST_DURATION_MS", "100ms")
	assert.Equal(t, 100*time.Millisecond, GetDurationEnv("TEST_DURATION_MS", def))

	t.Setenv("TEST_INVALID_DURATION", "not-a-duration")
	assert.Equal(t, def, GetDurationEnv("TEST_INVALID_DURATION", def))
}

func TestGetFloatEnv(t *testing.T) {
	assert.Equal(t, 1.5, GetFloatEnv("TEST_NONEXISTENT_FLOAT", 1.5))

	t.Setenv("TEST_FLOAT_ENV", "0.25")
	assert.Equal(t, 0.25, GetFloatEnv("TEST_FLOAT_ENV", 1.5))

	t.Setenv("TEST_INVALID_FLOAT", "fast")
	assert.Equal(t, 1.5, GetFloatEnv("TEST_INVALID_FLOAT", 1.5))
}

func TestGetBoolEnv(t *testing.T) {
	assert.True(t, GetBoolEnv("TEST_NONEXISTENT_BOOL", true))

	t.Setenv("TEST_BOOL_ENV", "false")
	assert.False(t, GetBoolEnv("TEST_BOOL_ENV", true))

	t.Setenv("TEST_BOOL_ONE", "1")
	assert.True(t, GetBoolEnv("TEST_BOOL_ONE", false))

	t.Setenv("TEST_INVALID_BOOL", "maybe")
	assert.True(t, GetBoolEnv("TEST_INVALID_BOOL", true))
}

func TestGetSecretFile(t *testing.T) {
	assert.Empty(t, GetSecretFile(""))
	assert.Empty(t, GetSecretFile("/nonexistent/path/to/secret"))

	path := filepath.Join(t.TempDir(), "secret")
	if err := os.WriteFile(path, []byte("my-secret-value\n"), 0o600); err != nil {
		t.Fatalf("Failed to write secret file: %v", err)
	}
	assert.Equal(t, "my-secret-value", GetSecretFile(path))
}

package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, 5*time.Minute, cfg.Lifetime)
	assert.Equal(t, 5*time.Minute, cfg.JWKSRefresh)
	assert.Equal(t, 5*time.Second, cfg.HTTPTimeout)
	assert.Zero(t, cfg.ClockSkew)
	assert.Empty(t, cfg.Algorithm)
}

func TestLoadConfig_FileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "jwtauth.yaml", `
log_level: debug
subject: from-file
audience:
  - orders
  - billing
clock_skew: 30s
trusted_keys:
  svc-a: /etc/keys/svc-a.pub
jwks_url_template: https://keys.example.com/{subject}
`)
	t.Setenv("JWTAUTH_SUBJECT", "from-env")
	t.Setenv("JWTAUTH_LIFETIME", "10m")

	cfg, err := loadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "DEBUG", cfg.LogLevel)
	assert.Equal(t, "from-env", cfg.Subject)
	assert.Equal(t, 10*time.Minute, cfg.Lifetime)
	assert.Equal(t, 30*time.Second, cfg.ClockSkew)
	assert.Equal(t, []string{"orders", "billing"}, cfg.Audience)
	assert.Equal(t, "/etc/keys/svc-a.pub", cfg.TrustedKeys["svc-a"])
	assert.Equal(t, "https://keys.example.com/{subject}", cfg.JWKSTemplate)
}

func TestLoadConfig_Invalid(t *testing.T) {
	dir := t.TempDir()

	_, err := loadConfig(writeFile(t, dir, "bad-level.yaml", "log_level: verbose\n"))
	require.Error(t, err)

	_, err = loadConfig(writeFile(t, dir, "bad-skew.yaml", "clock_skew: -1s\n"))
	require.Error(t, err)

	_, err = loadConfig(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestConfig_StringRedactsSecrets(t *testing.T) {
	cfg := &Config{
		Subject:     "svc-a",
		DatabaseURL: "postgres://user:hunter2@db/auth",
		RedisURL:    "redis://:hunter2@cache:6379/0",
	}
	s := cfg.String()
	assert.Contains(t, s, "Subject: svc-a")
	assert.Contains(t, s, "DatabaseURL: ***REDACTED***")
	assert.False(t, strings.Contains(s, "hunter2"))
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, ".env", `
# comment
JWTAUTH_TEST_PLAIN=plain
export JWTAUTH_TEST_QUOTED="quoted value"
JWTAUTH_TEST_PRESET=from-file
JWTAUTH_TEST_SINGLE='single value'
`)
	t.Setenv("JWTAUTH_TEST_PRESET", "from-env")
	t.Setenv("JWTAUTH_TEST_PLAIN", "")
	require.NoError(t, os.Unsetenv("JWTAUTH_TEST_PLAIN"))

	require.NoError(t, loadEnvFile(path))
	assert.Equal(t, "plain", os.Getenv("JWTAUTH_TEST_PLAIN"))
	assert.Equal(t, "quoted value", os.Getenv("JWTAUTH_TEST_QUOTED"))
	assert.Equal(t, "from-env", os.Getenv("JWTAUTH_TEST_PRESET"))
	assert.Equal(t, "single value", os.Getenv("JWTAUTH_TEST_SINGLE"))
	os.Unsetenv("JWTAUTH_TEST_QUOTED")
	os.Unsetenv("JWTAUTH_TEST_SINGLE")

	require.NoError(t, loadEnvFile(filepath.Join(dir, "absent.env")))

	broken := writeFile(t, dir, "broken.env", "JWTAUTH_TEST_BROKEN=\"unterminated\n")
	assert.Error(t, loadEnvFile(broken))
}

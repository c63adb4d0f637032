package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	s := defaults()
	assert.Equal(t, 8000, s.Port)
	assert.Equal(t, "oauth_creds", s.CredentialsDir)
	assert.Equal(t, time.Minute, s.RefreshTick)
	assert.Equal(t, int64(1), s.ConcurrencyFor("anything"))
}

func TestApplyEnv(t *testing.T) {
	s := defaults()
	s.applyEnv([]string{
		"PROXY_API_KEY=secret",
		"PROXY_PORT=9001",
		"SKIP_OAUTH_INIT_CHECK=true",
		"MAX_CONCURRENT_REQUESTS_PER_KEY_QWEN_CODE=4",
		"MAX_CONCURRENT_REQUESTS_PER_KEY_BAD=zero",
		"IGNORE_MODELS_OPENAI=gpt-4o, gpt-4o-mini",
		"WHITELIST_MODELS_GROQ=llama-3.3-70b-versatile",
	})

	assert.Equal(t, "secret", s.ProxyAPIKey)
	assert.Equal(t, 9001, s.Port)
	assert.True(t, s.SkipOAuthInit)
	assert.Equal(t, int64(4), s.ConcurrencyFor("qwen_code"))
	assert.Equal(t, int64(1), s.ConcurrencyFor("bad"))
	assert.Equal(t, []string{"gpt-4o", "gpt-4o-mini"}, s.IgnoreModels["openai"])
	assert.Equal(t, []string{"llama-3.3-70b-versatile"}, s.WhitelistModels["groq"])
}

func TestLoadYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: 9100\ncredentials_dir: /tmp/creds\n"), 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9100, s.Port)
	assert.Equal(t, "/tmp/creds", s.CredentialsDir)
}

func TestLoadMissingFileIsFine(t *testing.T) {
	s, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 8000, s.Port)
}

func TestLoadRejectsInvalidPort(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("port: -1\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

package config

import (
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdirTemp(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Search.HistoryTurns)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "connect3_organisations", cfg.Milvus.Collections.Organisations)
	assert.InDelta(t, 0.3, cfg.Search.MinScore, 1e-6)
	assert.NotEmpty(t, cfg.Web.OfficialDomains)
}

func TestLoadEnvOverride(t *testing.T) {
	chdirTemp(t)
	t.Setenv("CONNECT3_SEARCH_TOPK", "3")
	t.Setenv("CONNECT3_SERVER_PORT", "9090")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Search.TopK)
	assert.Equal(t, 9090, cfg.Server.Port)
}

func TestValidate(t *testing.T) {
	base := func() Config {
		return Config{Search: SearchConfig{HistoryTurns: 3, MinScore: 0.3, TopK: 5, MaxQueryLength: 100}}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(c *Config) {}, false},
		{"negative history", func(c *Config) { c.Search.HistoryTurns = -1 }, true},
		{"score out of range", func(c *Config) { c.Search.MinScore = 1.5 }, true},
		{"zero topK", func(c *Config) { c.Search.TopK = 0 }, true},
		{"institution without corpus", func(c *Config) {
			c.Knowledge.Institutions = map[string]InstitutionCorpus{"unimelb": {Name: "Melbourne"}}
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func chdirTemp(t *testing.T) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}

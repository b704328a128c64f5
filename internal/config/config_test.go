package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/availwatch/internal/query"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "availwatch.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, DefaultRPCURL, cfg.Ledger.URL)
	assert.Equal(t, 15*time.Second, cfg.Engine.FinalityTimeout)
	assert.Equal(t, 30*time.Second, cfg.Engine.RecheckInterval)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestDefault_MatchesQueryDefaults(t *testing.T) {
	assert.Equal(t, query.DefaultConfig(), Default().QueryConfig())
}

func TestLoad_OverlaysFile(t *testing.T) {
	t.Setenv(EnvRPCURL, "")
	t.Setenv(EnvIndexerEndpoint, "")

	path := writeConfig(t, `
ledger:
  url: ws://127.0.0.1:9944
  app_id: 7
engine:
  finality_timeout: 5s
query:
  balance:
    stale: 1s
    lifetime: 2s
    poll: 0s
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "ws://127.0.0.1:9944", cfg.Ledger.URL)
	assert.Equal(t, uint32(7), cfg.Ledger.AppID)
	assert.Equal(t, 5*time.Second, cfg.Engine.FinalityTimeout)
	assert.Equal(t, time.Duration(0), cfg.Query.Balance.Poll)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultIndexerEndpoint, cfg.Indexer.Endpoint)
	assert.Equal(t, 2*time.Minute, cfg.Engine.StaleAfter)

	ec := cfg.EngineConfig()
	assert.Equal(t, 5*time.Second, ec.FinalityTimeout)
	assert.Equal(t, uint32(7), ec.AppID)
}

func TestLoad_EmptyPath(t *testing.T) {
	t.Setenv(EnvRPCURL, "")
	t.Setenv(EnvIndexerEndpoint, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EmptyFile(t *testing.T) {
	t.Setenv(EnvRPCURL, "")
	t.Setenv(EnvIndexerEndpoint, "")

	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv(EnvRPCURL, "wss://rpc.local/ws")
	t.Setenv(EnvIndexerEndpoint, "http://indexer.local/graphql")

	path := writeConfig(t, `
ledger:
  url: ws://from-file:9944
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://rpc.local/ws", cfg.Ledger.URL)
	assert.Equal(t, "http://indexer.local/graphql", cfg.Indexer.Endpoint)

	assert.Equal(t, "wss://rpc.local/ws", cfg.SubstrateConfig().URL)
	assert.Equal(t, "http://indexer.local/graphql", cfg.IndexerConfig().Endpoint)
}

func TestLoad_EnvOverrideValidated(t *testing.T) {
	t.Setenv(EnvRPCURL, "http://not-a-websocket")
	t.Setenv(EnvIndexerEndpoint, "")

	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ledger.url")
}

func TestApplyEnv_IgnoresEmpty(t *testing.T) {
	cfg := Default()
	cfg.ApplyEnv(func(key string) (string, bool) {
		return "", true
	})
	assert.Equal(t, DefaultRPCURL, cfg.Ledger.URL)
	assert.Equal(t, DefaultIndexerEndpoint, cfg.Indexer.Endpoint)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "open config")
}

func TestParse_UnknownField(t *testing.T) {
	_, err := Parse([]byte(`
engine:
  finality_timout: 5s
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "finality_timout")
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		path string
	}{
		{
			name: "http ledger url",
			yaml: "ledger: { url: http://node:9944 }",
			path: "ledger.url",
		},
		{
			name: "websocket indexer endpoint",
			yaml: "indexer: { endpoint: ws://indexer }",
			path: "indexer.endpoint",
		},
		{
			name: "zero finality timeout",
			yaml: "engine: { finality_timeout: 0s }",
			path: "engine.finality_timeout",
		},
		{
			name: "lifetime shorter than stale",
			yaml: "query: { chain_stats: { stale: 10s, lifetime: 5s, poll: 1s } }",
			path: "query.chain_stats.lifetime",
		},
		{
			name: "negative poll",
			yaml: "query: { balance: { stale: 1s, lifetime: 2s, poll: -1s } }",
			path: "query.balance.poll",
		},
		{
			name: "too many retries",
			yaml: "query: { retry: { attempts: 11 } }",
			path: "query.retry.attempts",
		},
		{
			name: "retry max below base",
			yaml: "query: { retry: { base: 5s, max: 1s } }",
			path: "query.retry.max",
		},
		{
			name: "unknown log level",
			yaml: "log: { level: chatty }",
			path: "log.level",
		},
		{
			name: "empty store path",
			yaml: `store: { path: "" }`,
			path: "store.path",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			require.Error(t, err)

			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.path, ve.Path)
			assert.Contains(t, err.Error(), "invalid config: "+tt.path)
		})
	}
}

func TestParse_BadDuration(t *testing.T) {
	_, err := Parse([]byte("engine: { stale_after: soon }"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

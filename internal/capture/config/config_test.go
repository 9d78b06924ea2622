package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "", nil)
	require.NoError(t, err)

	assert.Equal(t, "audio-bridge", cfg.ARI.App)
	assert.Equal(t, 4096, cfg.Capture.ChunkSize)
	assert.Equal(t, []string{"variable", "name", "dialplan"}, cfg.Capture.Extractors)
	assert.Equal(t, 2*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 20, cfg.Pump.MaxEmpty)
	assert.Equal(t, 100*time.Millisecond, cfg.Pump.PollInterval)
	assert.Equal(t, "capture.db", cfg.Store.Path)
	assert.Equal(t, FeedWebsocket, cfg.Feed.Mode)
	assert.Equal(t, 3, cfg.Sweeper.MaxTapAttempts)
	assert.Empty(t, cfg.API.IngestToken)
}

func TestLoadPollingFeed(t *testing.T) {
	t.Setenv("CAPTURE_FEED_POLL_INTERVAL", "500ms")
	t.Setenv("CAPTURE_API_INGEST_TOKEN", "s3cret")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--feed-mode", "polling"}))

	cfg, err := Load(viper.New(), "", fs)
	require.NoError(t, err)
	assert.Equal(t, FeedPolling, cfg.Feed.Mode)
	assert.Equal(t, 500*time.Millisecond, cfg.Feed.PollInterval)
	assert.Equal(t, "s3cret", cfg.API.IngestToken)
}

func TestValidateFeedMode(t *testing.T) {
	cfg := Default()
	cfg.Feed.Mode = "carrier-pigeon"
	require.Len(t, cfg.Validate(), 1)
	assert.Contains(t, cfg.Validate()[0].Error(), "feed.mode")

	cfg.Feed.Mode = FeedPolling
	cfg.Feed.PollInterval = 0
	require.Len(t, cfg.Validate(), 1)
	assert.Contains(t, cfg.Validate()[0].Error(), "feed.poll_interval")
}

func TestLoadFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
ari:
  url: http://pbx:8088/ari
  app: from-file
sweeper:
  interval: 5s
capture:
  extractors: [dialplan, variable]
`), 0o600))

	t.Setenv("CAPTURE_ARI_APP", "from-env")
	t.Setenv("CAPTURE_PUMP_MAX_EMPTY", "7")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--store=", "--api-addr", ":9999"}))

	cfg, err := Load(viper.New(), path, fs)
	require.NoError(t, err)

	assert.Equal(t, "http://pbx:8088/ari", cfg.ARI.URL)
	assert.Equal(t, "from-env", cfg.ARI.App)
	assert.Equal(t, 5*time.Second, cfg.Sweeper.Interval)
	assert.Equal(t, 7, cfg.Pump.MaxEmpty)
	assert.Equal(t, []string{"dialplan", "variable"}, cfg.Capture.Extractors)
	assert.Equal(t, ":9999", cfg.API.Addr)
	assert.Equal(t, "", cfg.Store.Path)
}

func TestLoadRejectsUnknownExtractor(t *testing.T) {
	v := viper.New()
	v.Set("capture.extractors", []string{"variable", "tarot"})

	_, err := Load(v, "", nil)
	require.Error(t, err)

	var verrs ValidationErrors
	require.ErrorAs(t, err, &verrs)
	assert.Contains(t, err.Error(), `unknown extractor "tarot"`)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.ARI.URL = ""
	cfg.Capture.ChunkSize = 0
	cfg.RTP.Payload = "opus"

	assert.Len(t, cfg.Validate(), 3)
}

func TestYAMLMasksSecrets(t *testing.T) {
	cfg := Default()
	cfg.ARI.Password = "hunter2"
	cfg.API.AuthToken = "tok"
	cfg.API.IngestToken = "ingest-secret"

	out, err := cfg.YAML()
	require.NoError(t, err)
	assert.NotContains(t, string(out), "hunter2")
	assert.NotContains(t, string(out), "ingest-secret")

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg.ARI.App, back.ARI.App)
	assert.Equal(t, "hunter2", cfg.ARI.Password, "original must not be mutated")
}

func TestParseAddressList(t *testing.T) {
	assert.Nil(t, parseAddressList(""))
	assert.Equal(t, []string{"a:1", "b:2"}, parseAddressList(" a:1, ,b:2 "))

	cfg := Default()
	cfg.RTP.Fanout = "10.0.0.1:4000,10.0.0.2:4000"
	assert.Equal(t, []string{"10.0.0.1:4000", "10.0.0.2:4000"}, cfg.FanoutAddrs())
}

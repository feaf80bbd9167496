package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFeeds(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "feeds.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFeeds(t *testing.T) {
	path := writeFeeds(t, `
feeds:
  - exchange: binance
    symbols: [BTCUSDT, ETHUSDT]
  - exchange: coinbase
    symbols:
      - BTC-USD
`)

	feeds, err := LoadFeeds(path)
	require.NoError(t, err)
	require.Len(t, feeds.Feeds, 2)
	assert.Equal(t, "binance", feeds.Feeds[0].Exchange)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, feeds.Feeds[0].Symbols)
	assert.Equal(t, []string{"BTC-USD"}, feeds.Feeds[1].Symbols)
}

func TestLoadFeeds_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty file":     ``,
		"no feeds":       `feeds: []`,
		"no exchange":    "feeds:\n  - symbols: [BTCUSDT]",
		"no symbols":     "feeds:\n  - exchange: binance",
		"empty symbol":   "feeds:\n  - exchange: binance\n    symbols: ['']",
		"malformed yaml": `feeds: [`,
	}
	for name, content := range cases {
		_, err := LoadFeeds(writeFeeds(t, content))
		assert.Error(t, err, name)
	}
}

func TestLoadFeeds_MissingFile(t *testing.T) {
	_, err := LoadFeeds(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

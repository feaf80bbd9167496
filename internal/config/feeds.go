package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// FeedsConfig describes the initial subscription set for the feed gateway.
type FeedsConfig struct {
	Feeds []FeedEntry `yaml:"feeds"`
}

// FeedEntry is one venue with its initial symbols.
type FeedEntry struct {
	Exchange string   `yaml:"exchange"`
	Symbols  []string `yaml:"symbols"`
}

// LoadFeeds reads and validates the feeds YAML file.
func LoadFeeds(path string) (*FeedsConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read feeds file %q: %w", path, err)
	}

	var feeds FeedsConfig
	if err := yaml.Unmarshal(data, &feeds); err != nil {
		return nil, fmt.Errorf("failed to parse feeds file: %w", err)
	}

	if err := feeds.Validate(); err != nil {
		return nil, fmt.Errorf("feeds validation failed: %w", err)
	}

	return &feeds, nil
}

// Validate performs basic validation of the feeds configuration.
func (f *FeedsConfig) Validate() error {
	if len(f.Feeds) == 0 {
		return fmt.Errorf("at least one feed must be configured")
	}
	for i, entry := range f.Feeds {
		if entry.Exchange == "" {
			return fmt.Errorf("feed %d: exchange cannot be empty", i)
		}
		if len(entry.Symbols) == 0 {
			return fmt.Errorf("feed %d (%s): at least one symbol required", i, entry.Exchange)
		}
		for _, s := range entry.Symbols {
			if s == "" {
				return fmt.Errorf("feed %d (%s): empty symbol", i, entry.Exchange)
			}
		}
	}
	return nil
}

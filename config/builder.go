package config

import (
	"fmt"
	"sort"

	"github.com/jpalmerr/climapulse"
)

// BuildFeeds converts parsed configuration into board feeds.
//
// A source with sensor_ids expands to one feed per id, named
// "<name>-<id>", all polling the same URL.
func BuildFeeds(cfg *Config) ([]climapulse.Feed, error) {
	var feeds []climapulse.Feed
	seen := make(map[string]bool)

	for _, sc := range cfg.Sources {
		for _, f := range buildSourceFeeds(cfg, sc) {
			if seen[f.Name] {
				return nil, fmt.Errorf("duplicate source name %q", f.Name)
			}
			seen[f.Name] = true
			feeds = append(feeds, f)
		}
	}

	return feeds, nil
}

// buildSourceFeeds converts one SourceConfig into its feeds.
func buildSourceFeeds(cfg *Config, sc SourceConfig) []climapulse.Feed {
	var opts []climapulse.Option

	if sc.Timeout != 0 {
		opts = append(opts, climapulse.WithTimeout(sc.Timeout.Duration()))
	}

	if len(sc.Headers) > 0 {
		opts = append(opts, climapulse.WithHeaders(mapToKeyValuePairs(sc.Headers)...))
	}

	if fb, ok := buildFallback(sc.Fallback); ok {
		opts = append(opts, climapulse.WithFallback(fb))
	}

	interval := cfg.interval(sc)

	if len(sc.SensorIDs) == 0 {
		return []climapulse.Feed{{
			Name:     sc.Name,
			Endpoint: sc.URL,
			Interval: interval,
			Options:  opts,
		}}
	}

	names := sc.sourceNames()
	feeds := make([]climapulse.Feed, len(sc.SensorIDs))
	for i, id := range sc.SensorIDs {
		// copy so feeds don't share a backing array
		feedOpts := make([]climapulse.Option, len(opts), len(opts)+1)
		copy(feedOpts, opts)
		feeds[i] = climapulse.Feed{
			Name:     names[i],
			Endpoint: sc.URL,
			Interval: interval,
			Options:  append(feedOpts, climapulse.WithSensorID(id)),
		}
	}
	return feeds
}

// buildFallback merges configured envelopes over the defaults. ok is false
// when neither envelope is set.
func buildFallback(fc FallbackConfig) (climapulse.Fallback, bool) {
	if fc.Temperature == nil && fc.Humidity == nil {
		return climapulse.Fallback{}, false
	}

	fb := climapulse.DefaultFallback()
	if e := fc.Temperature; e != nil {
		fb.Temperature = climapulse.Envelope{Min: e.Min, Max: e.Max, Step: e.Step}
	}
	if e := fc.Humidity; e != nil {
		fb.Humidity = climapulse.Envelope{Min: e.Min, Max: e.Max, Step: e.Step}
	}
	return fb, true
}

// mapToKeyValuePairs converts a map to a sorted slice of key-value pairs.
func mapToKeyValuePairs(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(m)*2)
	for _, k := range keys {
		pairs = append(pairs, k, m[k])
	}
	return pairs
}

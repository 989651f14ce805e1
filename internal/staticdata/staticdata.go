// Package staticdata embeds the last-resort candidate dataset served when
// every live fallback tier is down.
package staticdata

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed candidates.yaml
var candidatesYAML []byte

var (
	loadOnce sync.Once
	loaded   map[string][]map[string]any
	loadErr  error
)

func load() {
	loaded = make(map[string][]map[string]any)
	loadErr = yaml.Unmarshal(candidatesYAML, &loaded)
}

// Candidates returns the embedded candidate records for a vertical. The
// returned slice is a copy; callers may mutate it freely. An unknown
// vertical yields an empty slice, not an error.
func Candidates(vertical string) ([]map[string]any, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, fmt.Errorf("parse embedded candidates: %w", loadErr)
	}

	src := loaded[vertical]
	out := make([]map[string]any, len(src))
	for i, rec := range src {
		cp := make(map[string]any, len(rec))
		for k, v := range rec {
			cp[k] = v
		}
		out[i] = cp
	}
	return out, nil
}

// Verticals lists every vertical with embedded data.
func Verticals() ([]string, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, fmt.Errorf("parse embedded candidates: %w", loadErr)
	}
	out := make([]string, 0, len(loaded))
	for v := range loaded {
		out = append(out, v)
	}
	return out, nil
}

package resolver

import (
	"context"
	"strings"
)

// Static resolves names from a fixed table, ignoring case. It serves offline
// servers and tests.
type Static map[string]string

func (s Static) Resolve(_ context.Context, names []string) (map[string]string, error) {
	folded := make(map[string]string, len(s))
	for name, id := range s {
		folded[strings.ToLower(name)] = id
	}
	out := make(map[string]string, len(names))
	for _, name := range names {
		if id, ok := folded[strings.ToLower(name)]; ok {
			out[name] = id
		}
	}
	return out, nil
}

package catalog

import (
	"log/slog"

	"github.com/bmatcuk/doublestar/v4"
)

// Named is anything with a display name, typically a scene node.
type Named interface {
	Name() string
}

// AssignInputsByName picks a node for every model input. An input with a
// name pattern gets the first node whose name matches it, otherwise the
// node at the same position, or the first node when there are fewer nodes
// than inputs. Unmatched patterns leave the input nil.
func AssignInputsByName[N Named](inputs []Input, nodes []N) []N {
	out := make([]N, len(inputs))
	if len(nodes) == 0 {
		return out
	}
	for i, in := range inputs {
		if in.NamePattern != "" {
			for _, n := range nodes {
				ok, err := doublestar.Match(in.NamePattern, n.Name())
				if err != nil {
					slog.Warn("invalid input name pattern", "input", in.Title, "pattern", in.NamePattern, "error", err)
					break
				}
				if ok {
					out[i] = n
					break
				}
			}
			continue
		}
		if i < len(nodes) {
			out[i] = nodes[i]
		} else {
			out[i] = nodes[0]
		}
	}
	return out
}

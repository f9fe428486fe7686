package presence

import (
	"context"
	"log/slog"
)

// ContextDirectory resolves the contexts a user currently participates in.
// It is an external collaborator (group service, event service); this package
// only consumes it.
type ContextDirectory interface {
	ContextIDs(ctx context.Context, userID string) ([]string, error)
}

// DirectoryFunc adapts a function to ContextDirectory.
type DirectoryFunc func(ctx context.Context, userID string) ([]string, error)

func (f DirectoryFunc) ContextIDs(ctx context.Context, userID string) ([]string, error) {
	return f(ctx, userID)
}

// MultiDirectory merges several context sources. A failing source is logged
// and skipped so that, say, the group service being down does not prevent
// listing event chats.
type MultiDirectory struct {
	log     *slog.Logger
	sources []namedSource
}

type namedSource struct {
	name string
	dir  ContextDirectory
}

func NewMultiDirectory(log *slog.Logger) *MultiDirectory {
	if log == nil {
		log = slog.Default()
	}
	return &MultiDirectory{log: log}
}

// Add registers a source under a name used only for logging.
func (m *MultiDirectory) Add(name string, dir ContextDirectory) *MultiDirectory {
	m.sources = append(m.sources, namedSource{name: name, dir: dir})
	return m
}

// ContextIDs returns the deduplicated union of all healthy sources.
func (m *MultiDirectory) ContextIDs(ctx context.Context, userID string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, s := range m.sources {
		ids, err := s.dir.ContextIDs(ctx, userID)
		if err != nil {
			m.log.Warn("Context source failed, skipping", "source", s.name, "user", userID, "error", err)
			continue
		}
		for _, id := range ids {
			if blank(id) || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	return out, nil
}

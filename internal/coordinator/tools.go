package coordinator

import (
	"context"
	"errors"
	"fmt"

	"github.com/llitpux/observer/internal/bus"
	"github.com/llitpux/observer/internal/researcher"
)

// IsRejected reports whether a tool error is a policy rejection rather than a
// failure. Rejected tasks carry their own status so the responder can explain.
func IsRejected(err error) bool {
	return errors.Is(err, researcher.ErrRejected)
}

func argString(args map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// GraphSearcher answers natural-language questions from the memory graph.
type GraphSearcher interface {
	Research(ctx context.Context, question string) (string, error)
}

// GraphSearchTool bridges the search_graph action to the researcher.
type GraphSearchTool struct {
	r GraphSearcher
}

// NewGraphSearchTool wraps a researcher as a plan tool.
func NewGraphSearchTool(r GraphSearcher) *GraphSearchTool { return &GraphSearchTool{r: r} }

func (t *GraphSearchTool) Name() string { return bus.ActionSearchGraph }

func (t *GraphSearchTool) Run(ctx context.Context, args map[string]any) (string, error) {
	question := argString(args, "question", "query")
	if question == "" {
		return "", fmt.Errorf("search_graph: missing question")
	}
	return t.r.Research(ctx, question)
}

// ProfileStore reads user profiles from the graph.
type ProfileStore interface {
	UserProfile(ctx context.Context, name string) (string, error)
}

// ProfileTool serves fetch_user_profile from the graph.
type ProfileTool struct {
	store ProfileStore
}

// NewProfileTool builds the profile tool.
func NewProfileTool(store ProfileStore) *ProfileTool { return &ProfileTool{store: store} }

func (t *ProfileTool) Name() string { return bus.ActionFetchUserProfile }

func (t *ProfileTool) Run(ctx context.Context, args map[string]any) (string, error) {
	name := argString(args, "name", "user", "username")
	if name == "" {
		return "", fmt.Errorf("fetch_user_profile: missing name")
	}
	profile, err := t.store.UserProfile(ctx, name)
	if err != nil {
		return "", err
	}
	if profile == "" {
		return fmt.Sprintf("Користувача %q не знайдено в графі.", name), nil
	}
	return profile, nil
}

// FactStore writes remembered facts into the graph.
type FactStore interface {
	RememberFact(ctx context.Context, fact string) error
}

// RememberTool serves remember_fact.
type RememberTool struct {
	store FactStore
}

// NewRememberTool builds the remember tool.
func NewRememberTool(store FactStore) *RememberTool { return &RememberTool{store: store} }

func (t *RememberTool) Name() string { return bus.ActionRememberFact }

func (t *RememberTool) Run(ctx context.Context, args map[string]any) (string, error) {
	fact := argString(args, "fact", "text")
	if fact == "" {
		return "", fmt.Errorf("remember_fact: missing fact")
	}
	if err := t.store.RememberFact(ctx, fact); err != nil {
		return "", err
	}
	return "Запам'ятав: " + fact, nil
}

package graph

import (
	"context"
	"fmt"
	"strings"
)

// uniqueConstraint names one unique-node constraint.
type uniqueConstraint struct {
	Label    string
	Property string
}

// constraints the primary graph relies on for idempotent upserts.
var constraints = []uniqueConstraint{
	{"User", "telegram_id"},
	{"Agent", "telegram_id"},
	{"Chat", "chat_id"},
	{"Message", "uid"},
	{"Day", "date"},
	{"Year", "value"},
	{"Topic", "title"},
	{"Entity", "name"},
}

// Commander issues raw graph-module commands.
type Commander interface {
	Querier
	Command(ctx context.Context, args ...any) error
}

// ApplySchema creates the unique constraints (and their backing indexes)
// idempotently. "Already exists" responses are not errors.
func ApplySchema(ctx context.Context, c Commander, graphName string) error {
	for _, uc := range constraints {
		idx := fmt.Sprintf("CREATE INDEX FOR (n:%s) ON (n.%s)", uc.Label, uc.Property)
		if _, err := c.Query(ctx, graphName, idx); err != nil && !benignSchemaError(err) {
			return fmt.Errorf("index %s.%s: %w", uc.Label, uc.Property, err)
		}
		err := c.Command(ctx, "GRAPH.CONSTRAINT", "CREATE", graphName,
			"UNIQUE", "NODE", uc.Label, "PROPERTIES", "1", uc.Property)
		if err != nil && !benignSchemaError(err) {
			return fmt.Errorf("constraint %s.%s: %w", uc.Label, uc.Property, err)
		}
	}
	return nil
}

func benignSchemaError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already indexed") ||
		strings.Contains(msg, "already exists") ||
		strings.Contains(msg, "constraint already")
}

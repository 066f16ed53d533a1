// Package graph talks to FalkorDB over the Redis wire protocol. All access
// goes through GRAPH.QUERY against two logical graphs: the primary memory
// graph (observational facts and semantic enrichment) and the thought log
// (reasoning-process records).
package graph

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection with the graph-module command form.
type Client struct {
	rdb *redis.Client
}

// NewClient connects to the graph endpoint (host:port).
func NewClient(addr string) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:         addr,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 10 * time.Second,
		}),
	}
}

// Ping verifies the endpoint is reachable.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Result is a decoded GRAPH.QUERY reply.
type Result struct {
	Columns []string
	Rows    [][]any
	Stats   []string
}

// Empty reports whether the query returned no rows.
func (r *Result) Empty() bool { return len(r.Rows) == 0 }

// Query runs a Cypher statement against the named graph.
func (c *Client) Query(ctx context.Context, graphName, cypher string) (*Result, error) {
	raw, err := c.rdb.Do(ctx, "GRAPH.QUERY", graphName, cypher).Result()
	if err != nil {
		return nil, fmt.Errorf("graph query %s: %w", graphName, err)
	}
	return decodeReply(raw)
}

// Command runs a raw graph-module command (constraint management and the
// like) and ignores the reply shape.
func (c *Client) Command(ctx context.Context, args ...any) error {
	return c.rdb.Do(ctx, args...).Err()
}

// decodeReply unpacks the [header, rows, stats] reply array. Queries without
// a RETURN clause reply with a single stats array.
func decodeReply(raw any) (*Result, error) {
	top, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("graph: unexpected reply type %T", raw)
	}
	res := &Result{}
	switch len(top) {
	case 1:
		res.Stats = toStrings(top[0])
		return res, nil
	case 3:
		res.Columns = toStrings(top[0])
		rows, ok := top[1].([]any)
		if !ok {
			return nil, fmt.Errorf("graph: unexpected row set type %T", top[1])
		}
		for _, r := range rows {
			cells, ok := r.([]any)
			if !ok {
				return nil, fmt.Errorf("graph: unexpected row type %T", r)
			}
			res.Rows = append(res.Rows, cells)
		}
		res.Stats = toStrings(top[2])
		return res, nil
	default:
		return nil, fmt.Errorf("graph: unexpected reply arity %d", len(top))
	}
}

func toStrings(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		// Compact-mode headers nest [type, name]; take the last element.
		if nested, ok := it.([]any); ok && len(nested) > 0 {
			it = nested[len(nested)-1]
		}
		out = append(out, AsString(it))
	}
	return out
}

// AsString converts a reply cell to its string form.
func AsString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case []byte:
		return string(t)
	case int64:
		return fmt.Sprintf("%d", t)
	case float64:
		return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", t), "0"), ".")
	default:
		return fmt.Sprintf("%v", t)
	}
}

// AsInt64 converts a reply cell to an integer, zero when not numeric.
func AsInt64(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		var n int64
		fmt.Sscanf(t, "%d", &n)
		return n
	default:
		return 0
	}
}

// Escape makes a string safe for embedding in a single-quoted Cypher literal.
func Escape(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `'`, `\'`)
	s = strings.ReplaceAll(s, "\r", "")
	return s
}

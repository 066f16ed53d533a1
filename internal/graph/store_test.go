package graph

import (
	"context"
	"strings"
	"testing"

	"github.com/llitpux/observer/internal/bus"
)

type fakeQuerier struct {
	queries []string
	reply   func(cypher string) (*Result, error)
}

func (f *fakeQuerier) Query(_ context.Context, _ string, cypher string) (*Result, error) {
	f.queries = append(f.queries, cypher)
	if f.reply != nil {
		return f.reply(cypher)
	}
	return &Result{}, nil
}

func (f *fakeQuerier) joined() string { return strings.Join(f.queries, "\n") }

func testEvent() bus.InboundEvent {
	return bus.InboundEvent{
		ChatID:     1,
		ChatName:   "lab",
		ChatType:   "group",
		MessageID:  100,
		Source:     bus.SourceUser,
		SenderID:   42,
		SenderName: "Alice Smith",
		Username:   "alice",
		Text:       "what day is it?",
		Timestamp:  1738670000,
	}
}

func TestPersistEventWritesFullChain(t *testing.T) {
	fq := &fakeQuerier{}
	store := NewStore(fq, "PrimaryMemory", 8521381973, "Bober")

	uid, created, err := store.PersistEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("PersistEvent: %v", err)
	}
	if uid != "1:100" || !created {
		t.Fatalf("got (%q, %v), want (1:100, true)", uid, created)
	}

	all := fq.joined()
	for _, want := range []string{
		"MERGE (u:User {telegram_id: 42})",
		"MERGE (c:Chat {chat_id: 1})",
		"MERGE (y:Year {value: 2025})",
		"MERGE (d:Day {date: '2025-02-04'})",
		"CREATE (m:Message {uid: '1:100', message_id: 100",
		"created_at: 1738670000",
		"CREATE (a)-[:AUTHORED]->(m)",
		"HAPPENED_IN",
		"HAPPENED_AT {time:",
		"OPTIONAL MATCH (c)-[le:LAST_EVENT]->(prev:Message)",
		"CREATE (p)-[:NEXT]->(m)",
		"CREATE (c)-[:LAST_EVENT]->(m)",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("queries missing %q\n%s", want, all)
		}
	}
}

func TestPersistEventIdempotent(t *testing.T) {
	fq := &fakeQuerier{
		reply: func(cypher string) (*Result, error) {
			if strings.Contains(cypher, "RETURN m.uid") {
				return &Result{Columns: []string{"m.uid"}, Rows: [][]any{{"1:100"}}}, nil
			}
			return &Result{}, nil
		},
	}
	store := NewStore(fq, "PrimaryMemory", 8521381973, "Bober")

	uid, created, err := store.PersistEvent(context.Background(), testEvent())
	if err != nil {
		t.Fatalf("PersistEvent: %v", err)
	}
	if created {
		t.Error("redelivered event must not be re-created")
	}
	if uid != "1:100" {
		t.Errorf("uid = %q", uid)
	}
	if len(fq.queries) != 1 {
		t.Errorf("expected only the existence check, got %d queries", len(fq.queries))
	}
}

func TestPersistEventAgentAuthorship(t *testing.T) {
	fq := &fakeQuerier{}
	store := NewStore(fq, "PrimaryMemory", 8521381973, "Bober")

	e := testEvent()
	e.Source = bus.SourceAgent
	e.MessageID = 101
	if _, _, err := store.PersistEvent(context.Background(), e); err != nil {
		t.Fatalf("PersistEvent: %v", err)
	}
	all := fq.joined()
	if !strings.Contains(all, "CREATE (a)-[:GENERATED]->(m)") {
		t.Errorf("agent message must use GENERATED edge\n%s", all)
	}
	if strings.Contains(all, "AUTHORED") {
		t.Errorf("agent message must not use AUTHORED edge")
	}
	// agent label prefix
	if !strings.Contains(all, "name: 'BS01'") {
		t.Errorf("expected BS01 label for agent message\n%s", all)
	}
}

func TestEnrichNormalizesAndMerges(t *testing.T) {
	fq := &fakeQuerier{}
	store := NewStore(fq, "PrimaryMemory", 1, "Bober")

	p := bus.EnrichmentPayload{
		UID:      "1:100",
		Topics:   []bus.TopicRef{{Title: "  Docker Deployment  ", IsNew: true}},
		Entities: []bus.EntityRef{{Name: "Docker", Type: "Technology"}},
	}
	if err := store.Enrich(context.Background(), p); err != nil {
		t.Fatalf("Enrich: %v", err)
	}
	all := fq.joined()
	if !strings.Contains(all, "MERGE (t:Topic {title: 'docker deployment'})") {
		t.Errorf("topic title not normalized\n%s", all)
	}
	for _, want := range []string{
		"MERGE (m)-[:DISCUSSES]->(t)",
		"MERGE (e:Entity {name: 'Docker'})",
		"MERGE (m)-[:MENTIONS]->(e)",
		"MERGE (t)-[:INVOLVES]->(e)",
	} {
		if !strings.Contains(all, want) {
			t.Errorf("queries missing %q", want)
		}
	}
	// MERGE everywhere keeps a second application idempotent
	if strings.Contains(all, "CREATE (t:Topic") {
		t.Error("topics must be MERGEd, not CREATEd")
	}
}

func TestChatContextOldestFirst(t *testing.T) {
	fq := &fakeQuerier{
		reply: func(cypher string) (*Result, error) {
			return &Result{
				Columns: []string{"m.uid", "m.name", "m.text", "m.created_at", "a.name"},
				Rows: [][]any{
					{"1:2", "MA02", "newest", int64(200), "Max"},
					{"1:1", "MA01", "oldest", int64(100), "Max"},
				},
			}, nil
		},
	}
	store := NewStore(fq, "PrimaryMemory", 1, "Bober")
	msgs, err := store.ChatContext(context.Background(), 1, 5)
	if err != nil {
		t.Fatalf("ChatContext: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "oldest" || msgs[1].Text != "newest" {
		t.Errorf("messages not oldest-first: %+v", msgs)
	}
}

func TestNewerUserMessage(t *testing.T) {
	fq := &fakeQuerier{
		reply: func(cypher string) (*Result, error) {
			if strings.Contains(cypher, "m.created_at > 150") {
				return &Result{Columns: []string{"m.uid"}, Rows: [][]any{{"1:7"}}}, nil
			}
			return &Result{}, nil
		},
	}
	store := NewStore(fq, "PrimaryMemory", 1, "Bober")
	found, err := store.NewerUserMessage(context.Background(), 1, 150, "1:5")
	if err != nil || !found {
		t.Fatalf("got (%v, %v), want (true, nil)", found, err)
	}
	found, err = store.NewerUserMessage(context.Background(), 1, 999, "1:5")
	if err != nil || found {
		t.Fatalf("got (%v, %v), want (false, nil)", found, err)
	}

	// Messages sharing the triggering message's second must not count.
	if !strings.Contains(fq.joined(), "m.created_at > 150") {
		t.Errorf("comparison must be strictly greater:\n%s", fq.joined())
	}
	if strings.Contains(fq.joined(), ">=") {
		t.Errorf("query still uses >=:\n%s", fq.joined())
	}
}

func TestSetWorkingOnReplacesPrior(t *testing.T) {
	fq := &fakeQuerier{}
	store := NewStore(fq, "PrimaryMemory", 9, "Bober")
	if err := store.SetWorkingOn(context.Background(), "task-1", "reply to 1:100"); err != nil {
		t.Fatalf("SetWorkingOn: %v", err)
	}
	all := fq.joined()
	if !strings.Contains(all, "DETACH DELETE t") {
		t.Errorf("prior working-on not cleared\n%s", all)
	}
	if !strings.Contains(all, "CREATE (a)-[:WORKING_ON]->(t)") {
		t.Errorf("working-on edge not created\n%s", all)
	}
}

func TestNormalizeTitle(t *testing.T) {
	cases := map[string]string{
		"  Docker  ":        "docker",
		"Docker Deployment": "docker deployment",
		"ШВИДКА Довідка":    "швидка довідка",
	}
	for in, want := range cases {
		if got := NormalizeTitle(in); got != want {
			t.Errorf("NormalizeTitle(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestChatIDFromUID(t *testing.T) {
	if got := ChatIDFromUID("123:456"); got != 123 {
		t.Errorf("ChatIDFromUID = %d", got)
	}
	if got := ChatIDFromUID("bogus"); got != 0 {
		t.Errorf("ChatIDFromUID(bogus) = %d", got)
	}
}

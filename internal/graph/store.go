package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/llitpux/observer/internal/bus"
)

// Querier is the read/write surface stores need from the client.
type Querier interface {
	Query(ctx context.Context, graphName, cypher string) (*Result, error)
}

// ContextMessage is a message row read back from the graph.
type ContextMessage struct {
	UID       string
	Name      string
	Author    string
	Text      string
	CreatedAt int64
}

// Store reads and writes the primary memory graph. Writes that touch a chat's
// chronology are serialized per chat.
type Store struct {
	q         Querier
	graph     string
	agentID   int64
	agentName string
	locks     chatLocks
}

// NewStore creates a primary-memory store bound to one logical graph and the
// process-wide agent identity.
func NewStore(q Querier, graphName string, agentID int64, agentName string) *Store {
	return &Store{q: q, graph: graphName, agentID: agentID, agentName: agentName}
}

// GraphName returns the logical graph this store writes to.
func (s *Store) GraphName() string { return s.graph }

// EnsureAgent upserts the singleton agent identity node.
func (s *Store) EnsureAgent(ctx context.Context) error {
	cypher := fmt.Sprintf(
		"MERGE (a:Agent {telegram_id: %d}) ON CREATE SET a.id = 'agent_%d', a.name = '%s'",
		s.agentID, s.agentID, Escape(s.agentName),
	)
	_, err := s.q.Query(ctx, s.graph, cypher)
	return err
}

// PersistEvent writes one raw event into the graph: author, chat and time
// nodes are upserted, the message is created with its chronology edges, and
// the chat's LAST_EVENT head is re-pointed. Returns created=false when the
// uid already exists (idempotent redelivery).
func (s *Store) PersistEvent(ctx context.Context, e bus.InboundEvent) (uid string, created bool, err error) {
	uid = e.UID()
	mu := s.locks.lock(e.ChatID)
	mu.Lock()
	defer mu.Unlock()

	res, err := s.q.Query(ctx, s.graph,
		fmt.Sprintf("MATCH (m:Message {uid: '%s'}) RETURN m.uid", Escape(uid)))
	if err != nil {
		return "", false, fmt.Errorf("check message %s: %w", uid, err)
	}
	if !res.Empty() {
		return uid, false, nil
	}

	ts := time.Unix(int64(e.Timestamp), 0).UTC()
	day := ts.Format("2006-01-02")

	if err := s.upsertAuthor(ctx, e); err != nil {
		return "", false, err
	}
	if err := s.upsertChat(ctx, e); err != nil {
		return "", false, err
	}
	if err := s.upsertTimeNodes(ctx, ts); err != nil {
		return "", false, err
	}

	name, err := s.nextMessageName(ctx, day, e)
	if err != nil {
		return "", false, err
	}

	if err := s.createMessage(ctx, e, uid, name, ts, day); err != nil {
		return "", false, err
	}
	if err := s.repointLastEvent(ctx, e.ChatID, uid); err != nil {
		return "", false, err
	}
	return uid, true, nil
}

func (s *Store) upsertAuthor(ctx context.Context, e bus.InboundEvent) error {
	var cypher string
	if e.Source == bus.SourceAgent {
		cypher = fmt.Sprintf(
			"MERGE (a:Agent {telegram_id: %d}) ON CREATE SET a.id = 'agent_%d', a.name = '%s'",
			s.agentID, s.agentID, Escape(s.agentName))
	} else {
		cypher = fmt.Sprintf(
			"MERGE (u:User {telegram_id: %d}) ON CREATE SET u.id = 'user_%d', u.name = '%s', u.username = '%s'",
			e.SenderID, e.SenderID, Escape(e.SenderName), Escape(e.Username))
	}
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("upsert author: %w", err)
	}
	return nil
}

func (s *Store) upsertChat(ctx context.Context, e bus.InboundEvent) error {
	chatType := e.ChatType
	if chatType == "" {
		chatType = "private"
	}
	cypher := fmt.Sprintf(
		"MERGE (c:Chat {chat_id: %d}) ON CREATE SET c.id = 'chat_%d', c.name = '%s', c.type = '%s'",
		e.ChatID, e.ChatID, Escape(e.ChatName), Escape(chatType))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

func (s *Store) upsertTimeNodes(ctx context.Context, ts time.Time) error {
	cypher := fmt.Sprintf(
		"MERGE (y:Year {value: %d}) MERGE (d:Day {date: '%s'}) MERGE (y)-[:MONTH {number: %d}]->(d)",
		ts.Year(), ts.Format("2006-01-02"), int(ts.Month()))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("upsert time nodes: %w", err)
	}
	return nil
}

// nextMessageName computes the per-day human label, e.g. BS02.
func (s *Store) nextMessageName(ctx context.Context, day string, e bus.InboundEvent) (string, error) {
	senderID := e.SenderID
	senderName := e.SenderName
	if e.Source == bus.SourceAgent {
		senderID = s.agentID
		senderName = s.agentName
	}
	abbrev := AbbrevFor(senderID, senderName)
	cypher := fmt.Sprintf(
		"MATCH (m:Message)-[:HAPPENED_AT]->(d:Day {date: '%s'}) WHERE m.name STARTS WITH '%s' RETURN count(m)",
		day, Escape(abbrev))
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return "", fmt.Errorf("message sequence: %w", err)
	}
	var seq int64 = 1
	if !res.Empty() && len(res.Rows[0]) > 0 {
		seq = AsInt64(res.Rows[0][0]) + 1
	}
	return MessageName(abbrev, seq), nil
}

func (s *Store) createMessage(ctx context.Context, e bus.InboundEvent, uid, name string, ts time.Time, day string) error {
	authorMatch := fmt.Sprintf("MATCH (a:User {telegram_id: %d})", e.SenderID)
	authorEdge := "CREATE (a)-[:AUTHORED]->(m)"
	if e.Source == bus.SourceAgent {
		authorMatch = fmt.Sprintf("MATCH (a:Agent {telegram_id: %d})", s.agentID)
		authorEdge = "CREATE (a)-[:GENERATED]->(m)"
	}
	cypher := fmt.Sprintf(
		"%s MATCH (c:Chat {chat_id: %d}) MATCH (d:Day {date: '%s'}) "+
			"CREATE (m:Message {uid: '%s', message_id: %d, text: '%s', created_at: %d, name: '%s'}) "+
			"%s CREATE (m)-[:HAPPENED_IN]->(c) CREATE (m)-[:HAPPENED_AT {time: '%s'}]->(d)",
		authorMatch, e.ChatID, day,
		Escape(uid), e.MessageID, Escape(e.Text), int64(e.Timestamp), Escape(name),
		authorEdge, ts.Format("15:04:05"))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("create message %s: %w", uid, err)
	}
	return nil
}

// repointLastEvent moves the chat head: the previous head (if any) gains a
// NEXT edge to the new message, and LAST_EVENT points at the new message.
func (s *Store) repointLastEvent(ctx context.Context, chatID int64, uid string) error {
	cypher := fmt.Sprintf(
		"MATCH (c:Chat {chat_id: %d}) MATCH (m:Message {uid: '%s'}) "+
			"OPTIONAL MATCH (c)-[le:LAST_EVENT]->(prev:Message) "+
			"DELETE le "+
			"FOREACH (p IN CASE WHEN prev IS NULL THEN [] ELSE [prev] END | CREATE (p)-[:NEXT]->(m)) "+
			"CREATE (c)-[:LAST_EVENT]->(m)",
		chatID, Escape(uid))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("repoint last event: %w", err)
	}
	return nil
}

// NormalizeTitle canonicalizes a topic title for uniqueness checks.
func NormalizeTitle(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// Enrich upserts topics and entities for a message and links them. All writes
// are idempotent MERGE operations.
func (s *Store) Enrich(ctx context.Context, p bus.EnrichmentPayload) error {
	now := time.Now().UTC().Unix()
	for _, topic := range p.Topics {
		title := NormalizeTitle(topic.Title)
		if title == "" {
			continue
		}
		cypher := fmt.Sprintf(
			"MATCH (m:Message {uid: '%s'}) "+
				"MERGE (t:Topic {title: '%s'}) ON CREATE SET t.description = '', t.status = 'active', t.created_at = %d "+
				"MERGE (m)-[:DISCUSSES]->(t)",
			Escape(p.UID), Escape(title), now)
		if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
			return fmt.Errorf("enrich topic %q: %w", title, err)
		}
	}
	for _, entity := range p.Entities {
		name := strings.TrimSpace(entity.Name)
		if name == "" {
			continue
		}
		cypher := fmt.Sprintf(
			"MATCH (m:Message {uid: '%s'}) "+
				"MERGE (e:Entity {name: '%s'}) ON CREATE SET e.type = '%s' "+
				"MERGE (m)-[:MENTIONS]->(e)",
			Escape(p.UID), Escape(name), Escape(entity.Type))
		if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
			return fmt.Errorf("enrich entity %q: %w", name, err)
		}
		for _, topic := range p.Topics {
			title := NormalizeTitle(topic.Title)
			if title == "" {
				continue
			}
			link := fmt.Sprintf(
				"MATCH (t:Topic {title: '%s'}) MATCH (e:Entity {name: '%s'}) MERGE (t)-[:INVOLVES]->(e)",
				Escape(title), Escape(name))
			if _, err := s.q.Query(ctx, s.graph, link); err != nil {
				return fmt.Errorf("link topic %q to entity %q: %w", title, name, err)
			}
		}
	}
	return nil
}

// ChatContext returns the k most recent messages of a chat, oldest first.
func (s *Store) ChatContext(ctx context.Context, chatID int64, k int) ([]ContextMessage, error) {
	cypher := fmt.Sprintf(
		"MATCH (m:Message)-[:HAPPENED_IN]->(c:Chat {chat_id: %d}) "+
			"OPTIONAL MATCH (a)-[:AUTHORED|GENERATED]->(m) "+
			"RETURN m.uid, m.name, m.text, m.created_at, a.name "+
			"ORDER BY m.created_at DESC LIMIT %d",
		chatID, k)
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return nil, err
	}
	msgs := decodeMessages(res)
	// newest-first from the query; present oldest-first
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// MessageByUID fetches one message row.
func (s *Store) MessageByUID(ctx context.Context, uid string) (*ContextMessage, error) {
	cypher := fmt.Sprintf(
		"MATCH (m:Message {uid: '%s'}) OPTIONAL MATCH (a)-[:AUTHORED|GENERATED]->(m) "+
			"RETURN m.uid, m.name, m.text, m.created_at, a.name",
		Escape(uid))
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return nil, err
	}
	msgs := decodeMessages(res)
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func decodeMessages(res *Result) []ContextMessage {
	var out []ContextMessage
	for _, row := range res.Rows {
		if len(row) < 5 {
			continue
		}
		out = append(out, ContextMessage{
			UID:       AsString(row[0]),
			Name:      AsString(row[1]),
			Text:      AsString(row[2]),
			CreatedAt: AsInt64(row[3]),
			Author:    AsString(row[4]),
		})
	}
	return out
}

// ActiveTopics returns current topic titles, most recent first.
func (s *Store) ActiveTopics(ctx context.Context, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 20
	}
	cypher := fmt.Sprintf(
		"MATCH (t:Topic {status: 'active'}) RETURN t.title ORDER BY t.created_at DESC LIMIT %d", limit)
	return s.stringColumn(ctx, cypher)
}

// EntityTypes returns the distinct entity types present in the graph.
func (s *Store) EntityTypes(ctx context.Context) ([]string, error) {
	return s.stringColumn(ctx, "MATCH (e:Entity) RETURN DISTINCT e.type")
}

// WeeklySummaries returns the last seven day summaries, oldest first.
func (s *Store) WeeklySummaries(ctx context.Context) ([]string, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -7).Format("2006-01-02")
	cypher := fmt.Sprintf(
		"MATCH (s:DaySummary) WHERE s.date >= '%s' RETURN s.text ORDER BY s.date ASC LIMIT 7", cutoff)
	return s.stringColumn(ctx, cypher)
}

func (s *Store) stringColumn(ctx context.Context, cypher string) ([]string, error) {
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return nil, err
	}
	var out []string
	for _, row := range res.Rows {
		if len(row) > 0 {
			if v := AsString(row[0]); v != "" {
				out = append(out, v)
			}
		}
	}
	return out, nil
}

// SaveNarrative records the Thinker's situational summary and links it to the
// triggering message.
func (s *Store) SaveNarrative(ctx context.Context, msgUID, narrative, model string) (string, error) {
	id := uuid.NewString()
	cypher := fmt.Sprintf(
		"MATCH (a:Agent {telegram_id: %d}) MATCH (m:Message {uid: '%s'}) "+
			"CREATE (sn:Snapshot:Narrative {id: '%s', timestamp: %d, narrative: '%s', model: '%s'}) "+
			"CREATE (a)-[:THOUGHT]->(sn) CREATE (m)-[:TRIGGERED]->(sn)",
		s.agentID, Escape(msgUID), id, time.Now().UTC().Unix(), Escape(narrative), Escape(model))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return "", fmt.Errorf("save narrative: %w", err)
	}
	return id, nil
}

// SaveAnalystSnapshot records a plan and chains it to its narrative.
func (s *Store) SaveAnalystSnapshot(ctx context.Context, snap bus.AnalystSnapshot) (string, error) {
	id := snap.ID
	if id == "" {
		id = uuid.NewString()
	}
	plan, err := json.Marshal(snap.Tasks)
	if err != nil {
		return "", fmt.Errorf("marshal plan: %w", err)
	}
	cypher := fmt.Sprintf(
		"CREATE (sa:Snapshot:Analyst {id: '%s', timestamp: %d, intent: '%s', plan: '%s', msg_uid: '%s'})",
		id, time.Now().UTC().Unix(), Escape(snap.Intent), Escape(string(plan)), Escape(snap.UID))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return "", fmt.Errorf("save analyst snapshot: %w", err)
	}
	if snap.NarrativeID != "" {
		link := fmt.Sprintf(
			"MATCH (n:Narrative {id: '%s'}) MATCH (sa:Analyst {id: '%s'}) MERGE (n)-[:LED_TO]->(sa)",
			Escape(snap.NarrativeID), id)
		if _, err := s.q.Query(ctx, s.graph, link); err != nil {
			return "", fmt.Errorf("link narrative to analyst snapshot: %w", err)
		}
	}
	return id, nil
}

// SaveCoordinatorSnapshot records an execution summary and chains it to its
// analyst snapshot.
func (s *Store) SaveCoordinatorSnapshot(ctx context.Context, analystID, summary string) (string, error) {
	id := uuid.NewString()
	cypher := fmt.Sprintf(
		"CREATE (sc:Snapshot:Coordinator {id: '%s', timestamp: %d, summary: '%s'})",
		id, time.Now().UTC().Unix(), Escape(summary))
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return "", fmt.Errorf("save coordinator snapshot: %w", err)
	}
	if analystID != "" {
		link := fmt.Sprintf(
			"MATCH (sa:Analyst {id: '%s'}) MATCH (sc:Coordinator {id: '%s'}) MERGE (sa)-[:LED_TO]->(sc)",
			Escape(analystID), id)
		if _, err := s.q.Query(ctx, s.graph, link); err != nil {
			return "", fmt.Errorf("link analyst to coordinator snapshot: %w", err)
		}
	}
	return id, nil
}

// LogSystemEvent records an operational event (e.g. a provider FALLBACK).
func (s *Store) LogSystemEvent(ctx context.Context, eventType, details string) error {
	cypher := fmt.Sprintf(
		"CREATE (ev:SystemEvent {id: '%s', type: '%s', details: '%s', timestamp: %d})",
		uuid.NewString(), Escape(eventType), Escape(details), time.Now().UTC().Unix())
	_, err := s.q.Query(ctx, s.graph, cypher)
	return err
}

// SetWorkingOn replaces the agent's working-state edge with a new task node.
func (s *Store) SetWorkingOn(ctx context.Context, taskID, description string) error {
	if err := s.ClearWorkingOn(ctx); err != nil {
		return err
	}
	cypher := fmt.Sprintf(
		"MATCH (a:Agent {telegram_id: %d}) "+
			"CREATE (t:Task {id: '%s', description: '%s', started_at: %d}) "+
			"CREATE (a)-[:WORKING_ON]->(t)",
		s.agentID, Escape(taskID), Escape(description), time.Now().UTC().Unix())
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("set working on: %w", err)
	}
	return nil
}

// ClearWorkingOn removes the working-state edge and its task node.
func (s *Store) ClearWorkingOn(ctx context.Context) error {
	cypher := fmt.Sprintf(
		"MATCH (a:Agent {telegram_id: %d})-[:WORKING_ON]->(t:Task) DETACH DELETE t", s.agentID)
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("clear working on: %w", err)
	}
	return nil
}

// NewerUserMessage reports whether a user message for the chat arrived
// strictly after the given time, excluding the message currently being
// processed. Strict comparison keeps an older message sharing the triggering
// message's second from counting as newer.
func (s *Store) NewerUserMessage(ctx context.Context, chatID int64, since int64, excludeUID string) (bool, error) {
	cypher := fmt.Sprintf(
		"MATCH (u:User)-[:AUTHORED]->(m:Message)-[:HAPPENED_IN]->(c:Chat {chat_id: %d}) "+
			"WHERE m.created_at > %d AND m.uid <> '%s' RETURN m.uid LIMIT 1",
		chatID, since, Escape(excludeUID))
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return false, err
	}
	return !res.Empty(), nil
}

// SaveDaySummary upserts the single summary node for a day.
func (s *Store) SaveDaySummary(ctx context.Context, date, text string) error {
	cypher := fmt.Sprintf(
		"MERGE (d:Day {date: '%s'}) "+
			"MERGE (s:DaySummary {date: '%s'}) SET s.text = '%s', s.created_at = %d "+
			"MERGE (s)-[:SUMMARIZES]->(d)",
		date, date, Escape(text), time.Now().UTC().Unix())
	_, err := s.q.Query(ctx, s.graph, cypher)
	return err
}

// MessagesForDay returns all messages written on a day, oldest first.
func (s *Store) MessagesForDay(ctx context.Context, date string) ([]ContextMessage, error) {
	cypher := fmt.Sprintf(
		"MATCH (m:Message)-[:HAPPENED_AT]->(d:Day {date: '%s'}) "+
			"OPTIONAL MATCH (a)-[:AUTHORED|GENERATED]->(m) "+
			"RETURN m.uid, m.name, m.text, m.created_at, a.name ORDER BY m.created_at ASC",
		date)
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res), nil
}

// UnenrichedMessages returns persisted messages that have no semantic edges
// yet, oldest first. Used by backfill.
func (s *Store) UnenrichedMessages(ctx context.Context, limit int) ([]ContextMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	cypher := fmt.Sprintf(
		"MATCH (m:Message) WHERE NOT (m)-[:DISCUSSES]->() "+
			"OPTIONAL MATCH (a)-[:AUTHORED|GENERATED]->(m) "+
			"RETURN m.uid, m.name, m.text, m.created_at, a.name ORDER BY m.created_at ASC LIMIT %d",
		limit)
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return nil, err
	}
	return decodeMessages(res), nil
}

// UserProfile renders what the graph knows about a user matched by name or
// username. Returns "" when nobody matches.
func (s *Store) UserProfile(ctx context.Context, name string) (string, error) {
	needle := Escape(strings.ToLower(strings.TrimSpace(name)))
	if needle == "" {
		return "", fmt.Errorf("empty profile name")
	}
	cypher := fmt.Sprintf(
		"MATCH (u:User) WHERE toLower(u.name) CONTAINS '%s' OR toLower(u.username) CONTAINS '%s' "+
			"OPTIONAL MATCH (u)-[:AUTHORED]->(m:Message) "+
			"RETURN u.name, u.username, u.telegram_id, count(m) LIMIT 1",
		needle, needle)
	res, err := s.q.Query(ctx, s.graph, cypher)
	if err != nil {
		return "", err
	}
	if res.Empty() || len(res.Rows[0]) < 4 {
		return "", nil
	}
	row := res.Rows[0]
	profile := fmt.Sprintf("Користувач: %s (@%s), повідомлень: %d",
		AsString(row[0]), AsString(row[1]), AsInt64(row[3]))

	topics, err := s.stringColumn(ctx, fmt.Sprintf(
		"MATCH (u:User {telegram_id: %d})-[:AUTHORED]->(:Message)-[:DISCUSSES]->(t:Topic) "+
			"RETURN DISTINCT t.title LIMIT 10", AsInt64(row[2])))
	if err != nil {
		return "", err
	}
	if len(topics) > 0 {
		profile += "\nТеми: " + strings.Join(topics, ", ")
	}
	return profile, nil
}

// RememberFact stores a fact as a Concept entity attached to the agent.
func (s *Store) RememberFact(ctx context.Context, fact string) error {
	fact = strings.TrimSpace(fact)
	if fact == "" {
		return fmt.Errorf("empty fact")
	}
	cypher := fmt.Sprintf(
		"MATCH (a:Agent {telegram_id: %d}) "+
			"MERGE (e:Entity {name: '%s'}) ON CREATE SET e.type = 'Concept', e.created_at = %d "+
			"MERGE (a)-[:REMEMBERS]->(e)",
		s.agentID, Escape(fact), time.Now().UTC().Unix())
	if _, err := s.q.Query(ctx, s.graph, cypher); err != nil {
		return fmt.Errorf("remember fact: %w", err)
	}
	return nil
}

// ChatIDFromUID recovers the chat id half of a message uid.
func ChatIDFromUID(uid string) int64 {
	head, _, ok := strings.Cut(uid, ":")
	if !ok {
		return 0
	}
	var id int64
	fmt.Sscanf(head, "%d", &id)
	return id
}

// ReadQuery executes a pre-validated read-only Cypher statement. The caller
// is responsible for validation; this is the Researcher's execution path.
func (s *Store) ReadQuery(ctx context.Context, cypher string) (*Result, error) {
	return s.q.Query(ctx, s.graph, cypher)
}

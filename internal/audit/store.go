package audit

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Log is the SQLite-backed audit chain. Appends are serialized per tenant;
// concurrent callers observe a totally ordered, gap-free sequence. If the
// insert fails durably the append fails, and the operation that requested it
// must fail with it.
type Log struct {
	db       *sql.DB
	salt     []byte
	redactor *Redactor

	mu    sync.Mutex
	heads map[string]*tenantHead // tenant → serialization point + chain head
}

type tenantHead struct {
	mu       sync.Mutex
	loaded   bool
	lastSeq  int64
	lastHash string
}

const auditSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	tenant        TEXT NOT NULL,
	seq           INTEGER NOT NULL,
	ts            TEXT NOT NULL,
	actor         TEXT NOT NULL,
	actor_kind    TEXT NOT NULL,
	action        TEXT NOT NULL,
	resource_kind TEXT NOT NULL,
	resource_id   TEXT NOT NULL,
	payload       TEXT,
	prev_hash     TEXT NOT NULL,
	this_hash     TEXT NOT NULL,
	PRIMARY KEY (tenant, seq)
);
CREATE INDEX IF NOT EXISTS idx_audit_resource ON audit_events(tenant, resource_kind, resource_id);
`

// Open opens (or creates) the audit store on an existing database handle.
// The salt is a process-wide singleton fixed before the executor starts.
func Open(db *sql.DB, salt []byte, redactor *Redactor) (*Log, error) {
	if len(salt) == 0 {
		return nil, fmt.Errorf("audit: empty salt")
	}
	if _, err := db.Exec(auditSchema); err != nil {
		return nil, fmt.Errorf("audit: create schema: %w", err)
	}
	return &Log{
		db:       db,
		salt:     salt,
		redactor: redactor,
		heads:    make(map[string]*tenantHead),
	}, nil
}

// Salt exposes the chain salt for out-of-band verification.
func (l *Log) Salt() []byte { return l.salt }

// Append redacts, links, hashes, and persists one event, returning the
// completed entry. Seq and hashes are assigned here; caller-provided values
// for those fields are ignored.
func (l *Log) Append(e Event) (Event, error) {
	if e.Tenant == "" {
		return Event{}, fmt.Errorf("audit append: event has no tenant")
	}
	if e.TS.IsZero() {
		e.TS = time.Now().UTC()
	}
	e.TS = e.TS.UTC().Truncate(time.Second)

	// Redact, then normalize the payload through JSON so hashing and
	// re-verification see identical numeric representations.
	if l.redactor != nil {
		e.Payload = l.redactor.RedactMap(e.Payload)
	}
	normalized, err := normalizePayload(e.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("audit append: normalize payload: %w", err)
	}
	e.Payload = normalized

	head := l.head(e.Tenant)
	head.mu.Lock()
	defer head.mu.Unlock()

	if !head.loaded {
		if err := l.loadHead(e.Tenant, head); err != nil {
			return Event{}, err
		}
	}

	e.Seq = head.lastSeq + 1
	e.PrevHash = head.lastHash
	e.ThisHash, err = ChainHash(l.salt, e)
	if err != nil {
		return Event{}, err
	}

	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return Event{}, fmt.Errorf("audit append: marshal payload: %w", err)
	}
	_, err = l.db.Exec(`INSERT INTO audit_events
		(tenant, seq, ts, actor, actor_kind, action, resource_kind, resource_id, payload, prev_hash, this_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Tenant, e.Seq, e.TS.Format(time.RFC3339), e.Actor, string(e.ActorKind),
		e.Action, e.ResourceKind, e.ResourceID, string(payloadJSON), e.PrevHash, e.ThisHash)
	if err != nil {
		return Event{}, fmt.Errorf("audit append: insert seq %d for tenant %q: %w", e.Seq, e.Tenant, err)
	}

	head.lastSeq = e.Seq
	head.lastHash = e.ThisHash
	return e, nil
}

func (l *Log) head(tenant string) *tenantHead {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.heads[tenant]
	if !ok {
		h = &tenantHead{}
		l.heads[tenant] = h
	}
	return h
}

func (l *Log) loadHead(tenant string, h *tenantHead) error {
	row := l.db.QueryRow(
		`SELECT seq, this_hash FROM audit_events WHERE tenant = ? ORDER BY seq DESC LIMIT 1`, tenant)
	var seq int64
	var hash string
	switch err := row.Scan(&seq, &hash); err {
	case nil:
		h.lastSeq, h.lastHash = seq, hash
	case sql.ErrNoRows:
		h.lastSeq, h.lastHash = 0, ""
	default:
		return fmt.Errorf("audit: load head for tenant %q: %w", tenant, err)
	}
	h.loaded = true
	return nil
}

// Range returns events for a tenant with fromSeq <= seq <= toSeq, in order.
// toSeq <= 0 means unbounded.
func (l *Log) Range(tenant string, fromSeq, toSeq int64) ([]Event, error) {
	q := `SELECT seq, ts, actor, actor_kind, action, resource_kind, resource_id, payload, prev_hash, this_hash
		FROM audit_events WHERE tenant = ? AND seq >= ?`
	args := []any{tenant, fromSeq}
	if toSeq > 0 {
		q += ` AND seq <= ?`
		args = append(args, toSeq)
	}
	q += ` ORDER BY seq ASC`
	return l.scan(tenant, q, args...)
}

// ByResource returns the events tagged to one resource (e.g. a run), in
// sequence order.
func (l *Log) ByResource(tenant, resourceKind, resourceID string) ([]Event, error) {
	return l.scan(tenant,
		`SELECT seq, ts, actor, actor_kind, action, resource_kind, resource_id, payload, prev_hash, this_hash
		FROM audit_events WHERE tenant = ? AND resource_kind = ? AND resource_id = ?
		ORDER BY seq ASC`, tenant, resourceKind, resourceID)
}

// VerifyTenant re-verifies the tenant's whole chain.
func (l *Log) VerifyTenant(tenant string) *Divergence {
	events, err := l.Range(tenant, 1, 0)
	if err != nil {
		return &Divergence{Seq: 0, Reason: err.Error()}
	}
	return Verify(l.salt, events)
}

func (l *Log) scan(tenant, q string, args ...any) ([]Event, error) {
	rows, err := l.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("audit query: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var ts, kind, payload string
		if err := rows.Scan(&e.Seq, &ts, &e.Actor, &kind, &e.Action,
			&e.ResourceKind, &e.ResourceID, &payload, &e.PrevHash, &e.ThisHash); err != nil {
			return nil, fmt.Errorf("audit scan: %w", err)
		}
		e.Tenant = tenant
		e.ActorKind = ActorKind(kind)
		if e.TS, err = time.Parse(time.RFC3339, ts); err != nil {
			return nil, fmt.Errorf("audit scan: bad timestamp %q: %w", ts, err)
		}
		if payload != "" && payload != "null" {
			if err := json.Unmarshal([]byte(payload), &e.Payload); err != nil {
				return nil, fmt.Errorf("audit scan: bad payload at seq %d: %w", e.Seq, err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Export serializes a tenant's events (optionally limited to one resource)
// as a JSON array whose chain re-verifies after Import.
func (l *Log) Export(tenant string) ([]byte, error) {
	events, err := l.Range(tenant, 1, 0)
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(events, "", "  ")
}

// Import verifies and inserts an exported chain into an empty tenant.
func (l *Log) Import(tenant string, data []byte) error {
	var events []Event
	if err := json.Unmarshal(data, &events); err != nil {
		return fmt.Errorf("audit import: %w", err)
	}
	if d := Verify(l.salt, events); d != nil {
		return fmt.Errorf("audit import: %w", d)
	}

	head := l.head(tenant)
	head.mu.Lock()
	defer head.mu.Unlock()
	if !head.loaded {
		if err := l.loadHead(tenant, head); err != nil {
			return err
		}
	}
	if head.lastSeq != 0 {
		return fmt.Errorf("audit import: tenant %q already has events", tenant)
	}

	for _, e := range events {
		payloadJSON, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("audit import: marshal payload: %w", err)
		}
		if _, err := l.db.Exec(`INSERT INTO audit_events
			(tenant, seq, ts, actor, actor_kind, action, resource_kind, resource_id, payload, prev_hash, this_hash)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			tenant, e.Seq, e.TS.UTC().Format(time.RFC3339), e.Actor, string(e.ActorKind),
			e.Action, e.ResourceKind, e.ResourceID, string(payloadJSON), e.PrevHash, e.ThisHash); err != nil {
			return fmt.Errorf("audit import: insert seq %d: %w", e.Seq, err)
		}
		head.lastSeq = e.Seq
		head.lastHash = e.ThisHash
	}
	return nil
}

// normalizePayload round-trips the payload through JSON so all numbers take
// their canonical float64 form before hashing.
func normalizePayload(p map[string]any) (map[string]any, error) {
	if p == nil {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Package audit provides the tenant-scoped, hash-chained, append-only audit
// log. The chain is the sole source of truth for "what happened"; run and
// step rows elsewhere are read-side projections of it.
//
// Each event's hash covers the previous hash plus the canonical form of the
// event (minus the hash itself), keyed with a process-wide salt:
//
//	this_hash = HMAC-SHA256(salt, prev_hash ‖ canonical(event))
//
// Canonical form is JSON with sorted keys, no insignificant whitespace, and
// RFC 3339 UTC timestamps. Redaction runs before hashing, so a verified chain
// proves redacted fields were present without leaking their content.
package audit

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// ActorKind classifies who performed an audited action.
type ActorKind string

const (
	ActorUser   ActorKind = "user"
	ActorSystem ActorKind = "system"
	ActorAPI    ActorKind = "api"
)

// Event is a single audit chain entry. Seq is dense and gap-free per tenant.
type Event struct {
	Seq          int64          `json:"seq"`
	TS           time.Time      `json:"ts"`
	Tenant       string         `json:"tenant"`
	Actor        string         `json:"actor"`
	ActorKind    ActorKind      `json:"actor_kind"`
	Action       string         `json:"action"` // dotted verb, e.g. "run.started"
	ResourceKind string         `json:"resource_kind"`
	ResourceID   string         `json:"resource_id"`
	Payload      map[string]any `json:"payload,omitempty"`
	PrevHash     string         `json:"prev_hash"`
	ThisHash     string         `json:"this_hash"`
}

// Canonicalize renders the hashed portion of an event: sorted keys, compact
// separators, timestamps as RFC 3339 UTC. ThisHash is excluded by
// construction. The output is the chain's compatibility surface.
func Canonicalize(e Event) ([]byte, error) {
	m := map[string]any{
		"seq":           e.Seq,
		"ts":            e.TS.UTC().Format(time.RFC3339),
		"tenant":        e.Tenant,
		"actor":         e.Actor,
		"actor_kind":    string(e.ActorKind),
		"action":        e.Action,
		"resource_kind": e.ResourceKind,
		"resource_id":   e.ResourceID,
		"payload":       e.Payload,
		"prev_hash":     e.PrevHash,
	}
	return canonicalJSON(m)
}

// canonicalJSON marshals with recursively sorted keys and no extra
// whitespace. Numbers pass through Go's shortest-form float formatting; the
// payload is normalized through encoding/json on append, so re-verification
// sees identical representations.
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, item := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, item); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// ChainHash computes an event's hash given the salt.
func ChainHash(salt []byte, e Event) (string, error) {
	canon, err := Canonicalize(e)
	if err != nil {
		return "", fmt.Errorf("canonicalize event seq=%d: %w", e.Seq, err)
	}
	mac := hmac.New(sha256.New, salt)
	if e.PrevHash != "" {
		mac.Write([]byte(e.PrevHash))
	}
	mac.Write(canon)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Divergence describes the first broken link found by Verify.
type Divergence struct {
	Seq    int64
	Reason string
}

func (d *Divergence) Error() string {
	return fmt.Sprintf("audit chain divergence at seq %d: %s", d.Seq, d.Reason)
}

// Verify recomputes hashes over an ordered event range and returns the first
// divergence, or nil if the range is intact. The range need not start at the
// genesis event; the first event's PrevHash is trusted as the anchor.
func Verify(salt []byte, events []Event) *Divergence {
	for i, e := range events {
		if i > 0 {
			if e.Seq != events[i-1].Seq+1 {
				return &Divergence{Seq: e.Seq, Reason: fmt.Sprintf("sequence gap after %d", events[i-1].Seq)}
			}
			if e.PrevHash != events[i-1].ThisHash {
				return &Divergence{Seq: e.Seq, Reason: "prev_hash does not link to previous event"}
			}
		}
		want, err := ChainHash(salt, e)
		if err != nil {
			return &Divergence{Seq: e.Seq, Reason: err.Error()}
		}
		if want != e.ThisHash {
			return &Divergence{Seq: e.Seq, Reason: "this_hash mismatch"}
		}
	}
	return nil
}

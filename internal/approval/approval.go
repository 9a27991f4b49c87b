// Package approval implements the approval rendezvous records: pending
// approvals with expiry, a single-winner decide, and the four-eyes rule.
//
// The executor side of the rendezvous (suspending the run, observing the
// decision) lives in the workflow; this package owns the records and their
// audit trail. Expiry carries denied semantics: a run waiting on an expired
// approval proceeds exactly as if it had been denied.
package approval

import (
	"time"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/antigravity-dev/maestro/internal/audit"
	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/store"
)

// DefaultExpiry bounds approvals whose policy rule sets no expiry_seconds.
const DefaultExpiry = 15 * time.Minute

// Service creates and resolves approval records.
type Service struct {
	Store  *store.Store
	Log    *audit.Log
	Logger logr.Logger
}

// Request creates a pending approval for (run, step). The store's partial
// unique index rejects a second open approval for the same step; in that case
// the existing record is returned so a resumed executor reuses it.
func (s *Service) Request(tenant, runID string, stepIndex int, requestedBy, reason string, rule *policy.ApprovalRule) (*store.Approval, error) {
	expiry := DefaultExpiry
	if rule != nil && rule.ExpirySeconds > 0 {
		expiry = time.Duration(rule.ExpirySeconds) * time.Second
	}

	a := &store.Approval{
		ID:          uuid.NewString(),
		RunID:       runID,
		StepIndex:   stepIndex,
		RequestedBy: requestedBy,
		Reason:      reason,
		State:       store.ApprovalPending,
		ExpiresAt:   time.Now().UTC().Add(expiry),
	}
	if err := s.Store.CreateApproval(a); err != nil {
		if existing := s.openApproval(runID, stepIndex); existing != nil {
			return existing, nil
		}
		return nil, err
	}

	if _, err := s.Log.Append(audit.Event{
		Tenant:       tenant,
		Actor:        requestedBy,
		ActorKind:    audit.ActorSystem,
		Action:       "approval.requested",
		ResourceKind: "run",
		ResourceID:   runID,
		Payload: map[string]any{
			"approval_id": a.ID,
			"step_index":  stepIndex,
			"reason":      reason,
			"expires_at":  a.ExpiresAt.Format(time.RFC3339),
		},
	}); err != nil {
		return nil, err
	}

	s.Logger.Info("approval requested", "run", runID, "step", stepIndex, "approval", a.ID)
	return a, nil
}

// Decide resolves a pending approval. Exactly one of two concurrent deciders
// wins; the loser gets a concurrency error. The four-eyes rule rejects the
// requesting subject deciding their own approval unless the policy rule sets
// allow_self; requires_roles, when set, restricts who may decide.
func (s *Service) Decide(tenant, id, decider string, deciderRoles []string, approve bool, comment string, rule *policy.ApprovalRule) (*store.Approval, error) {
	a, err := s.Store.GetApproval(id)
	if err != nil {
		return nil, err
	}
	if a.State != store.ApprovalPending {
		return nil, core.New(core.CodeConcurrency, "approval %s already %s", id, a.State)
	}
	if time.Now().UTC().After(a.ExpiresAt) {
		// Past the deadline the decision no longer counts; the expiry path wins.
		if _, err := s.Expire(tenant, id); err != nil {
			return nil, err
		}
		return nil, core.New(core.CodePolicy, "approval %s expired at %s", id, a.ExpiresAt.Format(time.RFC3339))
	}

	allowSelf := rule != nil && rule.AllowSelf
	if !allowSelf && decider == a.RequestedBy {
		return nil, core.New(core.CodePolicy, "approval %s: decider must differ from requester %s", id, a.RequestedBy)
	}
	if rule != nil && len(rule.RequiresRoles) > 0 && !hasAnyRole(deciderRoles, rule.RequiresRoles) {
		return nil, core.New(core.CodePolicy, "approval %s: decider lacks required role", id)
	}

	state := store.ApprovalDenied
	if approve {
		state = store.ApprovalApproved
	}
	if err := s.Store.TransitionApproval(id, state, decider, comment); err != nil {
		return nil, err
	}

	if _, err := s.Log.Append(audit.Event{
		Tenant:       tenant,
		Actor:        decider,
		ActorKind:    audit.ActorUser,
		Action:       "approval.resolved",
		ResourceKind: "run",
		ResourceID:   a.RunID,
		Payload: map[string]any{
			"approval_id": id,
			"step_index":  a.StepIndex,
			"state":       string(state),
			"comment":     comment,
		},
	}); err != nil {
		return nil, err
	}

	s.Logger.Info("approval decided", "approval", id, "state", state, "decider", decider)
	return s.Store.GetApproval(id)
}

// Expire moves a pending approval past its deadline into expired. Returns
// false when another path (a decision or a concurrent expiry) already closed
// it.
func (s *Service) Expire(tenant, id string) (bool, error) {
	a, err := s.Store.GetApproval(id)
	if err != nil {
		return false, err
	}
	if a.State != store.ApprovalPending {
		return false, nil
	}
	if err := s.Store.TransitionApproval(id, store.ApprovalExpired, "", ""); err != nil {
		if ce, ok := err.(*core.Error); ok && ce.Code == core.CodeConcurrency {
			return false, nil
		}
		return false, err
	}
	if _, err := s.Log.Append(audit.Event{
		Tenant:       tenant,
		Actor:        "maestro",
		ActorKind:    audit.ActorSystem,
		Action:       "approval.expired",
		ResourceKind: "run",
		ResourceID:   a.RunID,
		Payload:      map[string]any{"approval_id": id, "step_index": a.StepIndex},
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Get loads one approval.
func (s *Service) Get(id string) (*store.Approval, error) {
	return s.Store.GetApproval(id)
}

func (s *Service) openApproval(runID string, stepIndex int) *store.Approval {
	approvals, err := s.Store.ListApprovals(runID)
	if err != nil {
		return nil
	}
	for i := range approvals {
		if approvals[i].StepIndex == stepIndex && approvals[i].State == store.ApprovalPending {
			return &approvals[i]
		}
	}
	return nil
}

func hasAnyRole(have, want []string) bool {
	for _, h := range have {
		for _, w := range want {
			if h == w {
				return true
			}
		}
	}
	return false
}

package service

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/require"

	"github.com/antigravity-dev/maestro/internal/approval"
	"github.com/antigravity-dev/maestro/internal/audit"
	"github.com/antigravity-dev/maestro/internal/core"
	"github.com/antigravity-dev/maestro/internal/policy"
	"github.com/antigravity-dev/maestro/internal/store"
)

// newTestService wires a service against a throwaway database. The Temporal
// client stays nil: these tests cover the paths that never reach it.
func newTestService(t *testing.T) *Service {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "maestro.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	redactor, err := audit.NewRedactor([]byte("test-salt"))
	require.NoError(t, err)
	log, err := audit.Open(st.DB(), []byte("test-salt"), redactor)
	require.NoError(t, err)

	ps := policy.NewStore()
	doc := &policy.Document{Name: "prod", Version: 1}
	require.NoError(t, ps.Put("acme", doc))
	require.NoError(t, ps.Activate("acme", "prod", 1))

	return &Service{
		Store:     st,
		Audit:     log,
		Policies:  ps,
		Approvals: &approval.Service{Store: st, Log: log, Logger: logr.Discard()},
		TaskQueue: "maestro-task-queue",
		Logger:    logr.Discard(),
	}
}

func seedRun(t *testing.T, s *Service, id, tenant, key string) *store.Run {
	t.Helper()
	run := &store.Run{
		ID: id, Tenant: tenant, Caller: "alice",
		CallerRoles: []string{"operator"},
		RunbookName: "incident-triage", RunbookDoc: "name: incident-triage",
		Mode: store.ModeExecute, Status: store.RunPending,
		IdempotencyKey: key,
	}
	require.NoError(t, s.Store.CreateRun(run))
	return run
}

const validRunbook = `
name: incident-triage
steps:
  - name: check status
    tool: cluster.get_status
    args:
      workload: web
`

func TestSubmitRunValidation(t *testing.T) {
	s := newTestService(t)
	ctx := context.Background()

	_, err := s.SubmitRun(ctx, SubmitRequest{Caller: "alice", Mode: store.ModeExecute, Runbook: []byte(validRunbook)})
	requireCode(t, err, core.CodeValidation)

	_, err = s.SubmitRun(ctx, SubmitRequest{Tenant: "acme", Caller: "alice", Mode: "turbo", Runbook: []byte(validRunbook)})
	requireCode(t, err, core.CodeValidation)

	_, err = s.SubmitRun(ctx, SubmitRequest{Tenant: "acme", Caller: "alice", Mode: store.ModeExecute, Runbook: []byte("steps: []")})
	requireCode(t, err, core.CodeValidation)

	// no active policy for the tenant
	_, err = s.SubmitRun(ctx, SubmitRequest{Tenant: "globex", Caller: "alice", Mode: store.ModeExecute, Runbook: []byte(validRunbook)})
	requireCode(t, err, core.CodePolicy)
}

func TestSubmitRunDedupsOnIdempotencyKey(t *testing.T) {
	s := newTestService(t)
	existing := seedRun(t, s, "r1", "acme", "deploy-2024-01")

	id, err := s.SubmitRun(context.Background(), SubmitRequest{
		Tenant: "acme", Caller: "alice", Mode: store.ModeExecute,
		Runbook: []byte(validRunbook), IdempotencyKey: "deploy-2024-01",
	})
	require.NoError(t, err)
	require.Equal(t, existing.ID, id)
}

func TestGetRunScopesToTenant(t *testing.T) {
	s := newTestService(t)
	seedRun(t, s, "r1", "acme", "")
	require.NoError(t, s.Store.SaveStep(&store.Step{
		RunID: "r1", Index: 0, Name: "check status", Tool: "cluster.get_status",
		Status: store.StepSucceeded,
	}))

	view, err := s.GetRun("acme", "r1")
	require.NoError(t, err)
	require.Equal(t, "r1", view.Run.ID)
	require.Len(t, view.Steps, 1)
	require.Empty(t, view.Approvals)

	_, err = s.GetRun("globex", "r1")
	require.Error(t, err)
}

func TestStreamRunEventsResumesFromCursor(t *testing.T) {
	s := newTestService(t)
	seedRun(t, s, "r1", "acme", "")

	c1, err := s.Store.AppendRunEvent("r1", "run.started", -1, nil)
	require.NoError(t, err)
	_, err = s.Store.AppendRunEvent("r1", "step.started", 0, nil)
	require.NoError(t, err)
	_, err = s.Store.AppendRunEvent("r1", "step.succeeded", 0, nil)
	require.NoError(t, err)

	events, err := s.StreamRunEvents("acme", "r1", 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	require.Equal(t, "run.started", events[0].Type)

	events, err = s.StreamRunEvents("acme", "r1", c1, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)

	_, err = s.StreamRunEvents("globex", "r1", 0, 0)
	require.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestService(t)
	seedRun(t, src, "r1", "acme", "")
	require.NoError(t, src.Store.SaveStep(&store.Step{
		RunID: "r1", Index: 0, Name: "scale up", Tool: "cluster.scale",
		Status: store.StepSucceeded,
	}))
	_, err := src.Audit.Append(audit.Event{
		Tenant: "acme", Actor: "maestro", ActorKind: audit.ActorSystem,
		Action: "run.started", ResourceKind: "run", ResourceID: "r1",
	})
	require.NoError(t, err)
	_, err = src.Approvals.Request("acme", "r1", 0, "alice", "sensitive", nil)
	require.NoError(t, err)

	data, err := src.ExportRun("acme", "r1")
	require.NoError(t, err)

	dst := newTestService(t)
	require.NoError(t, dst.ImportRun(data))

	view, err := dst.GetRun("acme", "r1")
	require.NoError(t, err)
	require.Len(t, view.Steps, 1)
	require.Len(t, view.Approvals, 1)
	require.NoError(t, dst.VerifyAudit("acme"))
}

func TestImportRunRejectsTamperedBundle(t *testing.T) {
	src := newTestService(t)
	seedRun(t, src, "r1", "acme", "")
	_, err := src.Audit.Append(audit.Event{
		Tenant: "acme", Actor: "maestro", ActorKind: audit.ActorSystem,
		Action: "run.started", ResourceKind: "run", ResourceID: "r1",
	})
	require.NoError(t, err)

	data, err := src.ExportRun("acme", "r1")
	require.NoError(t, err)

	tampered := strings.Replace(string(data), "run.started", "run.startled", 1)
	dst := newTestService(t)
	err = dst.ImportRun([]byte(tampered))
	requireCode(t, err, core.CodeValidation)

	require.Error(t, dst.ImportRun([]byte("not json")))
	require.Error(t, dst.ImportRun([]byte("{}")))
}

func TestWorkflowID(t *testing.T) {
	require.Equal(t, "run-abc", WorkflowID("abc"))
}

func requireCode(t *testing.T, err error, code core.Code) {
	t.Helper()
	require.Error(t, err)
	var ce *core.Error
	require.ErrorAs(t, err, &ce)
	require.Equal(t, code, ce.Code)
}

package adapter

import (
	"context"
	"fmt"
	"sync"
)

// Mock effector families. These mirror the adapter surface the system fronts
// in production (an issue tracker, a paging system, and a cluster
// controller) but simulate every call, so dev environments and tests run
// without credentials. Each mock returns the simulated output shape real
// adapters produce and stamps the idempotency key it was handed.

func simulated(call Call, extra map[string]any) map[string]any {
	out := map[string]any{
		"ok":              true,
		"simulated":       true,
		"idempotency_key": call.IdempotencyKey,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// TrackerAdapters returns the mock issue-tracker family.
func TrackerAdapters() []*Adapter {
	var mu sync.Mutex
	nextIssue := 100

	return []*Adapter{
		{
			ID: "tracker.create_issue",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"title": map[string]any{"type": "string", "minLength": 1},
					"body":  map[string]any{"type": "string"},
					"labels": map[string]any{
						"type":  "array",
						"items": map[string]any{"type": "string"},
					},
				},
				"required":             []any{"title"},
				"additionalProperties": false,
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Compensation:   "tracker.close_issue",
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				mu.Lock()
				nextIssue++
				n := nextIssue
				mu.Unlock()
				return Result{OK: true, Output: simulated(call, map[string]any{
					"issue": n,
					"title": args["title"],
				})}
			},
		},
		{
			ID: "tracker.close_issue",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"issue": map[string]any{"type": "number"},
					"title": map[string]any{"type": "string"},
				},
				"additionalProperties": true,
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"closed": true, "issue": args["issue"],
				})}
			},
		},
		{
			ID: "tracker.read",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"issue": map[string]any{"type": "number"},
				},
				"required":             []any{"issue"},
				"additionalProperties": false,
			},
			Classification:  ClassRead,
			Idempotent:      true,
			SafeToInterrupt: true,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"issue": args["issue"], "state": "open",
				})}
			},
		},
	}
}

// PagerAdapters returns the mock paging family.
func PagerAdapters() []*Adapter {
	return []*Adapter{
		{
			ID: "pager.page_oncall",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"service": map[string]any{"type": "string", "minLength": 1},
					"summary": map[string]any{"type": "string", "minLength": 1},
					"urgency": map[string]any{"type": "string", "enum": []any{"low", "high"}},
				},
				"required":             []any{"service", "summary"},
				"additionalProperties": false,
			},
			SecretArgs:     []string{"routing_key"},
			Classification: ClassWrite,
			Idempotent:     false,
			Compensation:   "pager.resolve",
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"incident": fmt.Sprintf("P-%s-%d", call.RunID, call.StepIndex),
					"service":  args["service"],
				})}
			},
		},
		{
			ID: "pager.ack",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"incident": map[string]any{"type": "string"},
				},
				"required":             []any{"incident"},
				"additionalProperties": false,
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"incident": args["incident"], "acknowledged": true,
				})}
			},
		},
		{
			ID: "pager.resolve",
			ArgsSchema: map[string]any{
				"type":                 "object",
				"additionalProperties": true,
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"resolved": true,
				})}
			},
		},
	}
}

// ClusterAdapters returns the mock cluster-controller family.
func ClusterAdapters() []*Adapter {
	return []*Adapter{
		{
			ID: "cluster.get_status",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"namespace": map[string]any{"type": "string"},
					"workload":  map[string]any{"type": "string"},
				},
				"required":             []any{"workload"},
				"additionalProperties": false,
			},
			Classification:  ClassRead,
			Idempotent:      true,
			SafeToInterrupt: true,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"workload": args["workload"], "ready": true, "replicas": 3,
				})}
			},
		},
		{
			ID: "cluster.scale",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"namespace": map[string]any{"type": "string"},
					"workload":  map[string]any{"type": "string"},
					"replicas":  map[string]any{"type": "integer", "minimum": 0},
				},
				"required":             []any{"workload", "replicas"},
				"additionalProperties": false,
			},
			Classification: ClassWrite,
			Idempotent:     true,
			Compensation:   "cluster.scale",
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"workload": args["workload"], "replicas": args["replicas"],
				})}
			},
		},
		{
			ID: "cluster.delete_workload",
			ArgsSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"namespace": map[string]any{"type": "string"},
					"workload":  map[string]any{"type": "string"},
				},
				"required":             []any{"workload"},
				"additionalProperties": false,
			},
			Classification: ClassDestructive,
			Idempotent:     false,
			Invoke: func(_ context.Context, args map[string]any, call Call) Result {
				return Result{OK: true, Output: simulated(call, map[string]any{
					"deleted": args["workload"],
				})}
			},
		},
	}
}

// RegisterMocks registers all mock families on reg.
func RegisterMocks(reg *Registry) error {
	for _, group := range [][]*Adapter{TrackerAdapters(), PagerAdapters(), ClusterAdapters()} {
		for _, a := range group {
			if err := reg.Register(a); err != nil {
				return err
			}
		}
	}
	return nil
}

// Scripted builds an adapter that replays a fixed result sequence, then
// repeats the last entry. Used by tests to model transient-then-permanent
// effector behaviour.
func Scripted(id string, class Classification, results ...Result) *Adapter {
	var mu sync.Mutex
	i := 0
	return &Adapter{
		ID:             id,
		Classification: class,
		Idempotent:     true,
		ArgsSchema: map[string]any{
			"type":                 "object",
			"additionalProperties": true,
		},
		Invoke: func(_ context.Context, _ map[string]any, _ Call) Result {
			mu.Lock()
			defer mu.Unlock()
			r := results[i]
			if i < len(results)-1 {
				i++
			}
			return r
		},
	}
}

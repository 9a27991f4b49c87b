package temporal

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// StartWorker connects to Temporal and runs the maestro task queue worker
// until interrupted. The activities carry every dependency the executor
// touches; the workflow itself is pure control flow.
func StartWorker(hostPort, namespace, taskQueue string, acts *Activities) error {
	c, err := client.Dial(client.Options{
		HostPort:  hostPort,
		Namespace: namespace,
	})
	if err != nil {
		return err
	}
	defer c.Close()

	w := worker.New(c, taskQueue, worker.Options{})

	w.RegisterWorkflow(RunbookWorkflow)

	w.RegisterActivity(acts.AcquireLeaseActivity)
	w.RegisterActivity(acts.ReleaseLeaseActivity)
	w.RegisterActivity(acts.StartRunActivity)
	w.RegisterActivity(acts.PlanRunActivity)
	w.RegisterActivity(acts.MaterializeStepActivity)
	w.RegisterActivity(acts.ResolveStepActivity)
	w.RegisterActivity(acts.ReviewStepActivity)
	w.RegisterActivity(acts.RecordBlockedStepActivity)
	w.RegisterActivity(acts.FailStepActivity)
	w.RegisterActivity(acts.RequestApprovalActivity)
	w.RegisterActivity(acts.CheckApprovalActivity)
	w.RegisterActivity(acts.ExpireApprovalActivity)
	w.RegisterActivity(acts.ResumeRunActivity)
	w.RegisterActivity(acts.MarkStepRunningActivity)
	w.RegisterActivity(acts.InvokeAdapterActivity)
	w.RegisterActivity(acts.RecordStepResultActivity)
	w.RegisterActivity(acts.RecordDryRunActivity)
	w.RegisterActivity(acts.ComputeShadowActivity)
	w.RegisterActivity(acts.FinishRunActivity)

	acts.Logger.Info("temporal worker started", "task_queue", taskQueue)
	return w.Run(worker.InterruptCh())
}

// Package runner drives a project from its overview to a settled hierarchy.
//
// A Runner creates the manager session on a started engine.Executor and
// blocks until nothing is left to do: no session is active or queued, no
// execution is in flight and no message is pending. It then returns a
// Report with the root status, per-status and per-type counts and the
// sessions that failed.
//
//	exec := engine.New(model)
//	if err := exec.Start(ctx, engine.DefaultConfig); err != nil {
//	    return err
//	}
//	defer exec.Stop(ctx)
//
//	rep, err := runner.New(exec).Run(ctx, "", overview)
//	if err != nil {
//	    return err
//	}
//	fmt.Println(rep.Status, rep.Sessions)
//
// A settled hierarchy is not necessarily completed: a supervisor whose
// worker failed keeps waiting, and the report lists the failed worker.
package runner

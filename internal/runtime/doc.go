// Package runtime wires storage, the job queue, and every service into a
// single-node figureforge instance. It exposes Open/Close, basic health
// checks, the admission and gallery facades, the worker pool, and the
// reconciliation sweeper.
//
// Example:
//
//	cfg := config.Default()
//	rt, _ := runtime.Open(runtime.Options{Config: *cfg, Logger: log})
//	defer rt.Close()
//	_ = rt.StartSweeper()
//	go rt.RunWorkers(ctx)
//	jobID, _ := rt.Admission().Admit(ctx, owner, filters, 2)
package runtime

// Package scheduler runs the daemon's housekeeping jobs on cron schedules or
// fixed tickers.
//
// Jobs get the scheduler context (plus an optional per-run timeout), are
// protected against panics and can opt out of overlapping runs:
//
//	s := scheduler.New(ctx, scheduler.Config{Logger: logger})
//	_, err := s.Add(scheduler.Job{
//		Name:     "sweep",
//		Schedule: "@every 1m",
//		Overlap:  scheduler.SkipIfRunning,
//		Run:      scheduler.SweepJob(store, time.Now, metrics.RecordSweep),
//	})
//	s.Start()
//	defer s.Stop()
//
// Cron expressions accept an optional leading seconds field, so both
// "*/30 * * * * *" and "0 3 * * *" are valid.
package scheduler

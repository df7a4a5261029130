// Package resource implements the Controller for global limits shared by every
// column of a database.
//
//   - Memory: tracks block cache and buffer memory against a budget (fail-fast)
//   - Background slots: bounds concurrent merge tasks across all partitions
//   - IO: token bucket throttling merge output so foreground writes keep their
//     share of disk bandwidth
//
// Per-partition merge parallelism is configured separately; a merge task must
// hold both a partition worker and a global background slot.
//
//	rc := resource.NewController(resource.Config{
//	    MemoryLimitBytes:     1 << 30,
//	    MaxBackgroundWorkers: 8,
//	    IOLimitBytesPerSec:   200 << 20,
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil { return err }
//	defer rc.ReleaseBackground()
//	w := resource.NewRateLimitedWriter(ctx, blob, rc)
//
// A nil *Controller is valid and imposes no limits.
package resource

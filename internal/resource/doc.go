// Package resource governs the background work of a shard.
//
// A Controller bounds two things:
//
//   - Concurrency: the number of merges running at once (weighted semaphore)
//   - IO: the byte rate of background copies such as recovery file transfer
//     and snapshot uploads (token bucket)
//
// Foreground writes never pass through the Controller.
//
//	rc := resource.NewController(resource.Config{
//	    MaxBackgroundWorkers: 2,
//	    IOLimitBytesPerSec:   40 << 20, // 40MB/s
//	})
//
//	if err := rc.AcquireBackground(ctx); err != nil {
//	    return err
//	}
//	defer rc.ReleaseBackground()
//
//	r := resource.NewRateLimitedReader(ctx, file, rc)
//
// A nil *Controller imposes no limits, so components can take one
// optionally.
package resource

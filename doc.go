// Package pacer paces calls from many worker processes so that together
// they run at one target rate. The processes share nothing but a
// directory: a token bucket, call counters and call statistics live in a
// lock-guarded shared document that every worker reads and writes in turn.
//
// # Key Concepts
//
//   - [Rate] is a target frequency, built with [PerSecond], [PerMinute],
//     [PerHour] or [PerDay] and held as calls per hour.
//   - [Pacer] takes one token per call from the shared bucket, sleeping
//     until the next token is due when the bucket is empty. The bucket
//     refills continuously and holds at most a burst capacity.
//   - [Call] is an acquired token; releasing it records duration, wait and
//     failure into the shared statistics.
//   - Every few calls a periodic check compares the observed rate with the
//     target and reports a [PeriodicCheckEvent]; a [MaxCallsEvent] marks
//     the session's call ceiling.
//   - The shared document comes from package shared; its backends are in
//     package store.
//
// # Quick Start
//
//	st, _ := store.NewFileStore(sessionDir)
//	p, err := pacer.Open(ctx, st, "orders", pacer.Must(pacer.PerSecond(20)))
//	if err != nil {
//		return err
//	}
//	defer p.Close(ctx)
//
//	err = p.Do(ctx, 5*time.Second, func(c *pacer.Call) error {
//		return placeOrder(ctx, c.Count)
//	})
//
// Wrap an http.Client to pace its requests automatically:
//
//	client := &http.Client{Transport: p.Transport(nil, "target.internal/*")}
package pacer

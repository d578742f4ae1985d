// Package scheduler drives persisted task descriptors.
//
// A robfig/cron driver ticks at a fixed poll interval. Each tick asks the
// store for due descriptors, checks that the owning module is active, claims
// a running history row (the claim is the only overlap guard) and hands the
// run to the engine executor on a supervised goroutine. When a run finishes
// its next run is recomputed from the completion time, so a slow run never
// queues up missed fires.
//
// The same claim/execute path serves operator "run now" requests. Startup and
// a periodic sweep close running rows left behind by crashed processes.
package scheduler

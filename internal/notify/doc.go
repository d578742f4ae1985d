// Package notify tells operators how task runs ended.
//
// The service watches run.finished events on the event bus. Manual runs are
// always reported; scheduled runs only when they fail and ScheduledFailures is
// set. Messages go through a bounded queue drained by a supervised worker that
// applies a rate limit, retries with jittered backoff and suppresses duplicates
// within DedupWindow.
//
// Delivery is delegated to Senders (the log, Telegram). A small in-memory
// history of sent messages is kept for the admin API.
package notify

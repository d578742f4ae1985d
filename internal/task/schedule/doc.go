// Package schedule evaluates cron expressions: validation with positioned
// parse errors, next/previous fire times, lazy future sequences and
// human-readable descriptions.
//
// Supported forms:
//   - 5 fields (minute hour dom month dow): "*/5 * * * *"
//   - 6 fields with leading seconds: "30 */5 * * * *"
//   - Descriptors: "@hourly", "@daily", "@every 90s"
//   - Extended (year field, L, W, #): "0 0 L * *", "0 0 0 1 1 * 2030"
package schedule

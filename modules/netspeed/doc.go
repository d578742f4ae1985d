// Package netspeed measures network throughput and latency against
// speedtest.net servers as a schedulable task.
package netspeed

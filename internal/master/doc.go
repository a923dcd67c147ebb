// Package master is the task registry and dispatcher. It accepts submitted
// tasks, hands each one to a dispatcher goroutine that reserves a worker from
// the configured execution backend, and delivers results to callers that
// block on them.
//
// The master also fans each task's stderr out to live subscribers through a
// LogBroker and, when configured with a store, records task history.
package master

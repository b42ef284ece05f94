// Package scheduler turns registered cron patterns into dispatched jobs.
//
// A single ticker goroutine wakes on every second (or minute) boundary,
// takes one snapshot of the task table and submits each matching entry to
// the engine. The scheduler never runs task code itself and never waits on
// it; execution, retries and overlap policy belong to internal/task/engine.
package scheduler

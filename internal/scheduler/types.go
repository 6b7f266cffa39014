// Package scheduler implements the time-driven maintenance jobs: the monthly
// usage rollover and the archival of closed usage windows.
//
// Jobs are invoked through an EventBridge-triggered Lambda carrying a
// MaintenancePayload. Every service method accepts a `now` parameter so manual
// invocations can backfill against a fixed reference time.
package scheduler

import "time"

// TaskType identifies which maintenance service handles an EventBridge event.
type TaskType string

const (
	TaskMonthlyRollover TaskType = "monthly_rollover"
	TaskUsageArchive    TaskType = "usage_archive"
)

// MaintenancePayload is the JSON payload sent by EventBridge to the jobs
// Lambda. It identifies the task to execute and optionally overrides the
// reference time for manual invocation or backfilling.
//
//	{
//	  "task": "monthly_rollover",
//	  "reference_time": "2026-09-01T03:00:00Z"  // optional
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// ReferenceTime allows manual invocation to specify a different "now".
	// If nil, time.Now().UTC() is used.
	ReferenceTime *time.Time `json:"reference_time,omitempty"`
}

package model

import (
	"time"
)

type JobStatus = string

const (
	JobStatusPending JobStatus = "pending"
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// IsTerminalStatus reports whether no transition leaves the status.
func IsTerminalStatus(status JobStatus) bool {
	return status == JobStatusSuccess || status == JobStatusFailed
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case JobStatusPending:
		return to == JobStatusRunning || to == JobStatusFailed
	case JobStatusRunning:
		return IsTerminalStatus(to)
	default:
		return false
	}
}

type ImportJob struct {
	ID            int64
	DataSourceID  int64
	Status        JobStatus
	RowsProcessed int64
	Error         string
	StartedAt     time.Time
	CompletedAt   time.Time
}

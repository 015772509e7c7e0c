// internal/model/job.go
package model

import "time"

const (
	MinBatchSize     = 10
	MaxBatchSize     = 10000
	DefaultBatchSize = 1000
)

// JobState is the lifecycle state of the mass email job. StateNone covers both
// "never created" and "fully drained".
type JobState string

const (
	StateNone   JobState = "none"
	StateActive JobState = "active"
	StatePaused JobState = "paused"
)

// JobAction is an operator or dispatcher event that moves the job between states.
type JobAction string

const (
	ActionCreate JobAction = "create"
	ActionPause  JobAction = "pause"
	ActionResume JobAction = "resume"
	ActionCancel JobAction = "cancel"
	ActionDrain  JobAction = "drain"
)

// transitions lists every legal move. Pause on a paused job and resume on an
// active job have no entry; callers treat them as no-ops.
var transitions = map[JobState]map[JobAction]JobState{
	StateNone: {
		ActionCreate: StateActive,
		ActionCancel: StateNone,
	},
	StateActive: {
		ActionCreate: StateActive,
		ActionPause:  StatePaused,
		ActionCancel: StateNone,
		ActionDrain:  StateNone,
	},
	StatePaused: {
		ActionCreate: StateActive,
		ActionResume: StateActive,
		ActionCancel: StateNone,
	},
}

// Transition returns the state reached from s by action a.
func Transition(s JobState, a JobAction) (JobState, bool) {
	next, ok := transitions[s][a]
	return next, ok
}

// Job is the single persisted mass email campaign.
type Job struct {
	Version         int64     `db:"version" json:"version"`
	Subject         string    `db:"subject" json:"subject"`
	Body            string    `db:"body" json:"body"`
	Status          JobState  `db:"status" json:"status"`
	BatchSize       int       `db:"batch_size" json:"batch_size"`
	TotalRecipients int       `db:"total_recipients" json:"total_recipients"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// State reports the lifecycle state of a possibly-absent job.
func (j *Job) State() JobState {
	if j == nil {
		return StateNone
	}
	return j.Status
}

// Runnable reports whether ticks should dispatch mail for this job.
func (j *Job) Runnable() bool {
	return j.State() == StateActive
}

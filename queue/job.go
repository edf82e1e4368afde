package queue

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of a job.
type State string

const (
	// StatePending means the job is waiting to be picked up by a worker.
	StatePending State = "pending"
	// StateRunning means a worker is currently executing the job.
	StateRunning State = "running"
	// StateCompleted means the job finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the job failed and will not be retried.
	StateFailed State = "failed"
	// StateRetrying means the job failed but is scheduled for retry.
	StateRetrying State = "retrying"
)

// States lists every job state.
func States() []State {
	return []State{StatePending, StateRunning, StateCompleted, StateFailed, StateRetrying}
}

// Claimable reports whether a worker may pick up a job in this state.
func (s State) Claimable() bool { return s == StatePending || s == StateRetrying }

// Job is a unit of work on a named queue.
type Job struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Queue string          `json:"queue"`
	Data  json.RawMessage `json:"data,omitempty"`
	State State           `json:"state"`

	// Attempt counts previous failed executions. The first run sees 0.
	Attempt    int    `json:"attempt"`
	MaxRetries int    `json:"maxRetries"`
	LastError  string `json:"lastError,omitempty"`

	RunAt       time.Time     `json:"runAt"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	CreatedAt   time.Time     `json:"createdAt"`
	UpdatedAt   time.Time     `json:"updatedAt"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
}

// Final reports whether a failure of the current attempt exhausts the
// job's retries.
func (j *Job) Final() bool { return j.Attempt >= j.MaxRetries }

// Decode unmarshals the job data into v.
func (j *Job) Decode(v any) error {
	if len(j.Data) == 0 {
		return nil
	}
	return json.Unmarshal(j.Data, v)
}

// Clone returns a copy that shares no mutable state with j.
func (j *Job) Clone() *Job {
	cp := *j
	if j.Data != nil {
		cp.Data = append(json.RawMessage(nil), j.Data...)
	}
	if j.StartedAt != nil {
		t := *j.StartedAt
		cp.StartedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

// Filter selects jobs for listing.
type Filter struct {
	// Queue filters by queue name. Empty means all queues.
	Queue string
	// States filters by state. Empty means all states.
	States []State
	// Limit is the maximum number of jobs to return. Zero means no limit.
	Limit  int
	Offset int
}

// Match reports whether j passes the queue and state filters.
func (f Filter) Match(j *Job) bool {
	if f.Queue != "" && j.Queue != f.Queue {
		return false
	}
	if len(f.States) == 0 {
		return true
	}
	for _, s := range f.States {
		if j.State == s {
			return true
		}
	}
	return false
}

// Page applies Offset and Limit to an already filtered, ordered slice.
func (f Filter) Page(jobs []*Job) []*Job {
	if f.Offset >= len(jobs) {
		return []*Job{}
	}
	jobs = jobs[f.Offset:]
	if f.Limit > 0 && f.Limit < len(jobs) {
		jobs = jobs[:f.Limit]
	}
	return jobs
}

// Counts maps state to number of jobs.
type Counts map[State]int64

// Package model holds the plain data types shared across the worker:
// the task document handed down by the Manager, its commands, and the
// partial update pushed back upstream. None of these types carry
// behavior of their own — they are the wire/storage shapes other
// packages operate on.
package model

import "encoding/json"

// Command is one step of a Task: a handler name plus opaque,
// handler-validated settings.
type Command struct {
	Name     string                 `json:"name"`
	Settings map[string]interface{} `json:"settings"`
}

// Task is a Manager-issued unit of work assigned to exactly one worker.
// It is treated as immutable for the duration of its execution.
type Task struct {
	TaskID   string    `json:"task_id"`
	JobID    string    `json:"job_id"`
	JobType  string    `json:"job_type"`
	TaskType string    `json:"task_type"`
	Commands []Command `json:"commands"`
	Etag     string    `json:"etag,omitempty"`
}

// TaskUpdate is the partial patch of task state sent to the Manager.
// Only set fields are marshaled: pointer/omitempty fields distinguish
// "not set" from the zero value.
type TaskUpdate struct {
	TaskStatus                string `json:"task_status,omitempty"`
	Activity                  string `json:"activity,omitempty"`
	CommandProgressPercentage *int   `json:"command_progress_percentage,omitempty"`
	TaskProgressPercentage    *int   `json:"task_progress_percentage,omitempty"`
	Log                       string `json:"log,omitempty"`
	WorkerID                  string `json:"worker_id"`
}

// ToJSON serializes the update for storage in the durable queue or
// transmission to the Manager.
func (u TaskUpdate) ToJSON() ([]byte, error) {
	return json.Marshal(u)
}

// TaskUpdateFromJSON deserializes an update previously produced by ToJSON.
func TaskUpdateFromJSON(data []byte) (TaskUpdate, error) {
	var u TaskUpdate
	err := json.Unmarshal(data, &u)
	return u, err
}

// Task status strings, as sent in TaskUpdate.TaskStatus.
const (
	TaskStatusActive    = "active"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCanceled  = "canceled"
)

// RegisterResponse is returned by POST /register-worker.
type RegisterResponse struct {
	WorkerID    string `json:"worker_id"`
	AccessToken string `json:"access_token"`
}

// MayIRunResponse is returned by GET /may-i-run/<task_id>.
type MayIRunResponse struct {
	MayKeepRunning  bool   `json:"may_keep_running"`
	Reason          string `json:"reason,omitempty"`
	StatusRequested string `json:"status_requested,omitempty"`
}

// IntPtr is a small helper for constructing TaskUpdate progress fields.
func IntPtr(v int) *int {
	return &v
}

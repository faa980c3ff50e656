// Package job models the workflow job events the autoscaler reacts to.
package job

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/go-github/v66/github"
)

// ErrNotWorkflowJob is returned when a payload carries no workflow_job.
var ErrNotWorkflowJob = errors.New("payload is not a workflow_job event")

// Status is the lifecycle state of a job.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusWaiting    Status = "waiting"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusUnknown    Status = "unknown"
)

// ParseStatus maps a GitHub status string onto Status.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusQueued, StatusWaiting, StatusInProgress, StatusCompleted:
		return Status(s)
	default:
		return StatusUnknown
	}
}

// Active reports whether the status shows the job was picked up by a runner.
func (s Status) Active() bool {
	return s == StatusInProgress || s == StatusCompleted
}

// Key identifies a job within its run.
type Key struct {
	ID    int64
	RunID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.RunID, k.ID)
}

// Job is an immutable snapshot of one workflow_job event.
type Job struct {
	ID         int64
	RunID      int64
	Status     Status
	Labels     []string
	Repository string
	Workflow   string
	Name       string

	// URL is the API URL of the job, used to re-check its live status.
	URL    string
	RunURL string

	CreatedAt  time.Time
	ReceivedAt time.Time

	// Payload is the raw event body, retained for replay.
	Payload []byte
}

// Key returns the job's composite identity.
func (j Job) Key() Key {
	return Key{ID: j.ID, RunID: j.RunID}
}

// Parse decodes a workflow_job webhook body.
func Parse(payload []byte) (Job, error) {
	var ev github.WorkflowJobEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return Job{}, fmt.Errorf("decoding workflow_job payload: %w", err)
	}
	return FromEvent(&ev, payload)
}

// FromEvent converts a decoded event into a Job.
func FromEvent(ev *github.WorkflowJobEvent, payload []byte) (Job, error) {
	wj := ev.GetWorkflowJob()
	if wj == nil || wj.GetID() == 0 {
		return Job{}, ErrNotWorkflowJob
	}
	return Job{
		ID:         wj.GetID(),
		RunID:      wj.GetRunID(),
		Status:     ParseStatus(wj.GetStatus()),
		Labels:     wj.Labels,
		Repository: ev.GetRepo().GetFullName(),
		Workflow:   wj.GetWorkflowName(),
		Name:       wj.GetName(),
		URL:        wj.GetURL(),
		RunURL:     wj.GetRunURL(),
		CreatedAt:  wj.GetCreatedAt().Time,
		ReceivedAt: time.Now(),
		Payload:    payload,
	}, nil
}

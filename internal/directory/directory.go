// Package directory defines the Fleet Directory: the system runners
// register against.  It is the authority on which agents exist, whether
// they are busy, and whether a job is still waiting for one.
package directory

import (
	"context"
	"time"
)

// Agent status values reported by the directory.
const (
	StatusOnline  = "online"
	StatusOffline = "offline"
)

// Agent is a registered runner.  Name matches the name of the compute
// instance that hosts it.
type Agent struct {
	ID     int64
	Name   string
	Status string
	Busy   bool
	Labels []string
}

// Offline reports whether the directory considers the agent gone.
func (a Agent) Offline() bool {
	return a.Status == StatusOffline
}

// Delivery is one attempt to deliver a webhook event.  Several attempts
// may share a GUID when an event was redelivered.
type Delivery struct {
	ID          int64
	GUID        string
	DeliveredAt time.Time
	StatusCode  int
	Event       string
}

// Failed reports whether the attempt was not acknowledged.
func (d Delivery) Failed() bool {
	return d.StatusCode >= 300
}

// Directory is the contract the autoscaler drives.
type Directory interface {
	// RegistrationToken returns a token new runners use to register.
	RegistrationToken(ctx context.Context) (string, error)

	// ListAgents returns every agent in the configured runner group.
	ListAgents(ctx context.Context) ([]Agent, error)

	// DeleteAgent removes an agent registration.  Deleting an agent that
	// no longer exists is not an error.
	DeleteAgent(ctx context.Context, id int64) error

	// IsJobStillQueued re-reads the job at jobURL and reports whether it
	// is still waiting for a runner.
	IsJobStillQueued(ctx context.Context, jobURL string) (bool, error)

	// ListRecentDeliveries returns webhook delivery attempts for the
	// configured hook, newest first.
	ListRecentDeliveries(ctx context.Context) ([]Delivery, error)

	// RedeliverFailure asks the directory to send delivery id again.
	RedeliverFailure(ctx context.Context, id int64) error
}

package workqueue

import (
	"encoding/json"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/id"
)

// Status is the lifecycle state of a deployment.
type Status string

const (
	// StatusQueued means the deployment is waiting for a worker claim.
	StatusQueued Status = "queued"
	// StatusInProgress means a worker claimed the deployment and is
	// executing it.
	StatusInProgress Status = "in_progress"
	// StatusSuccess means every target succeeded.
	StatusSuccess Status = "success"
	// StatusFailed means at least one target failed, the report never
	// arrived, or no worker claimed the deployment in time.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// ResultStatus is the outcome reported for one target device.
type ResultStatus string

const (
	// ResultSuccess means the agent installed on the target.
	ResultSuccess ResultStatus = "success"
	// ResultFailed means the installation failed on the target.
	ResultFailed ResultStatus = "failed"
)

// TargetResult is the reported outcome for a single target device.
type TargetResult struct {
	DeviceID id.DeviceID  `json:"device_id"`
	Status   ResultStatus `json:"status"`
	Message  string       `json:"message,omitempty"`
}

// Deployment is one work-queue job: an agent installation against a set
// of target devices. The payload is immutable after creation; there is
// no operation that updates it.
type Deployment struct {
	muster.Entity

	ID          id.DeploymentID `json:"id"`
	Kind        string          `json:"kind"`
	Status      Status          `json:"status"`
	Payload     json.RawMessage `json:"payload"`
	Targets     []id.DeviceID   `json:"targets"`
	CreatedBy   string          `json:"created_by,omitempty"`
	ClaimedBy   string          `json:"claimed_by,omitempty"`
	ClaimedAt   *time.Time      `json:"claimed_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Results     []TargetResult  `json:"results,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// New returns a queued deployment. Targets are extracted from the
// payload by the service at submit time and never change afterwards.
func New(kind string, payload json.RawMessage, targets []id.DeviceID, createdBy string) *Deployment {
	return &Deployment{
		Entity:    muster.NewEntity(),
		ID:        id.NewDeploymentID(),
		Kind:      kind,
		Status:    StatusQueued,
		Payload:   append(json.RawMessage(nil), payload...),
		Targets:   append([]id.DeviceID(nil), targets...),
		CreatedBy: createdBy,
	}
}

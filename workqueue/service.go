package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/id"
)

// SubmitRequest describes a new deployment. The payload must carry a
// "targets" array of device ID strings; everything else in it is opaque
// to the queue and handed to the claiming worker untouched.
type SubmitRequest struct {
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload"`
	CreatedBy string          `json:"created_by,omitempty"`
}

// payloadEnvelope is the only part of the payload the service interprets.
type payloadEnvelope struct {
	Targets []string `json:"targets"`
}

// hooks receives deployment lifecycle events. *ext.Registry satisfies it.
type hooks interface {
	EmitDeploymentSubmitted(ctx context.Context, dep *Deployment)
	EmitDeploymentClaimed(ctx context.Context, dep *Deployment)
	EmitDeploymentCompleted(ctx context.Context, dep *Deployment)
}

// Service owns the deployment work queue: submission with device side
// effects, atomic worker claims, and result reports.
type Service struct {
	store   Store
	devices device.Store
	hooks   hooks
	logger  *slog.Logger
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the service logger.
func WithLogger(l *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = l }
}

// WithHooks sets the lifecycle hook emitter.
func WithHooks(h hooks) ServiceOption {
	return func(s *Service) { s.hooks = h }
}

// NewService creates a deployment service over the given stores.
func NewService(store Store, devices device.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:   store,
		devices: devices,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit validates the request, moves every target device from
// discovered to install_pending, and creates the queued deployment.
// The payload is immutable from this point on. If any device cannot be
// pended or the create fails, already-pended devices are rolled back and
// the deployment is not created.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Deployment, error) {
	if req.Kind == "" {
		return nil, fmt.Errorf("workqueue: submit: empty deployment kind")
	}

	targets, err := extractTargets(req.Payload)
	if err != nil {
		return nil, err
	}

	// Every target must exist before any lifecycle change happens.
	for _, devID := range targets {
		if _, err := s.devices.GetDevice(ctx, devID); err != nil {
			return nil, fmt.Errorf("workqueue: submit: target %s: %w", devID, err)
		}
	}

	var pended []id.DeviceID
	for _, devID := range targets {
		if err := s.devices.UpdateDeviceLifecycle(ctx, devID, device.Discovered, device.InstallPending); err != nil {
			s.unpend(ctx, pended)
			return nil, fmt.Errorf("workqueue: submit: pend target %s: %w", devID, err)
		}
		pended = append(pended, devID)
	}

	dep := New(req.Kind, req.Payload, targets, req.CreatedBy)
	if err := s.store.CreateDeployment(ctx, dep); err != nil {
		s.unpend(ctx, pended)
		return nil, err
	}

	s.logger.Info("deployment submitted",
		"deployment_id", dep.ID, "kind", dep.Kind, "targets", len(dep.Targets))
	if s.hooks != nil {
		s.hooks.EmitDeploymentSubmitted(ctx, dep)
	}
	return dep, nil
}

// unpend rolls freshly pended devices back to discovered after a failed
// submit. Best effort; failures are logged.
func (s *Service) unpend(ctx context.Context, devIDs []id.DeviceID) {
	for _, devID := range devIDs {
		if err := s.devices.UpdateDeviceLifecycle(ctx, devID, device.InstallPending, device.Discovered); err != nil {
			s.logger.Error("submit rollback failed", "device_id", devID, "error", err)
		}
	}
}

// Claim atomically hands the oldest queued deployment to the worker.
// Returns (nil, nil) when the queue is empty.
func (s *Service) Claim(ctx context.Context, workerID string) (*Deployment, error) {
	if workerID == "" {
		return nil, fmt.Errorf("workqueue: claim: empty worker id")
	}

	dep, err := s.store.ClaimNextDeployment(ctx, workerID)
	if err != nil || dep == nil {
		return nil, err
	}

	s.logger.Info("deployment claimed", "deployment_id", dep.ID, "worker_id", workerID)
	if s.hooks != nil {
		s.hooks.EmitDeploymentClaimed(ctx, dep)
	}
	return dep, nil
}

// Report records a worker's per-target results for an in-progress
// deployment and applies the device effects: successful targets move to
// installed_unenrolled, failed targets roll back to discovered. Targets
// missing from the report are rolled back and counted as failures.
//
// A deployment that is not in_progress (never claimed, already reported,
// or reaped) returns ErrNotInProgress and nothing changes.
func (s *Service) Report(ctx context.Context, depID id.DeploymentID, results []TargetResult) (*Deployment, error) {
	dep, err := s.store.GetDeployment(ctx, depID)
	if err != nil {
		return nil, err
	}
	if dep.Status != StatusInProgress {
		return nil, fmt.Errorf("workqueue: report %s: status %s: %w", depID, dep.Status, muster.ErrNotInProgress)
	}
	if len(results) == 0 {
		return nil, fmt.Errorf("workqueue: report %s: empty results", depID)
	}

	targetSet := make(map[id.DeviceID]struct{}, len(dep.Targets))
	for _, t := range dep.Targets {
		targetSet[t] = struct{}{}
	}

	outcome := make(map[id.DeviceID]ResultStatus, len(results))
	for _, res := range results {
		if _, ok := targetSet[res.DeviceID]; !ok {
			return nil, fmt.Errorf("workqueue: report %s: %s is not a target", depID, res.DeviceID)
		}
		if _, dup := outcome[res.DeviceID]; dup {
			return nil, fmt.Errorf("workqueue: report %s: duplicate result for %s", depID, res.DeviceID)
		}
		if res.Status != ResultSuccess && res.Status != ResultFailed {
			return nil, fmt.Errorf("workqueue: report %s: unknown result status %q", depID, res.Status)
		}
		outcome[res.DeviceID] = res.Status
	}

	var failed, unreported int
	for _, t := range dep.Targets {
		status, ok := outcome[t]
		switch {
		case !ok:
			unreported++
		case status == ResultFailed:
			failed++
		}
	}

	status := StatusSuccess
	errMsg := ""
	if failed+unreported > 0 {
		status = StatusFailed
		errMsg = fmt.Sprintf("%d of %d targets failed", failed+unreported, len(dep.Targets))
		if unreported > 0 {
			errMsg += fmt.Sprintf(" (%d unreported)", unreported)
		}
	}

	if err := s.store.CompleteDeployment(ctx, depID, status, results, errMsg); err != nil {
		return nil, err
	}

	for _, t := range dep.Targets {
		to := device.Discovered
		if outcome[t] == ResultSuccess {
			to = device.InstalledUnenrolled
		}
		if err := s.devices.UpdateDeviceLifecycle(ctx, t, device.InstallPending, to); err != nil {
			// The device may have moved on its own; the report stands.
			if !errors.Is(err, muster.ErrInvalidTransition) {
				s.logger.Error("device effect failed", "deployment_id", depID, "device_id", t, "error", err)
			}
		}
	}

	dep, err = s.store.GetDeployment(ctx, depID)
	if err != nil {
		return nil, err
	}

	s.logger.Info("deployment reported",
		"deployment_id", dep.ID, "status", dep.Status, "failed", failed, "unreported", unreported)
	if s.hooks != nil {
		s.hooks.EmitDeploymentCompleted(ctx, dep)
	}
	return dep, nil
}

// Get retrieves a deployment by ID.
func (s *Service) Get(ctx context.Context, depID id.DeploymentID) (*Deployment, error) {
	return s.store.GetDeployment(ctx, depID)
}

// List returns deployments matching opts, newest first.
func (s *Service) List(ctx context.Context, opts ListOpts) ([]*Deployment, error) {
	return s.store.ListDeployments(ctx, opts)
}

// extractTargets parses and validates the payload's target device IDs.
func extractTargets(payload json.RawMessage) ([]id.DeviceID, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("workqueue: submit: empty payload")
	}

	var env payloadEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("workqueue: submit: parse payload: %w", err)
	}
	if len(env.Targets) == 0 {
		return nil, fmt.Errorf("workqueue: submit: payload has no targets")
	}

	targets := make([]id.DeviceID, 0, len(env.Targets))
	seen := make(map[string]struct{}, len(env.Targets))
	for _, raw := range env.Targets {
		if _, dup := seen[raw]; dup {
			return nil, fmt.Errorf("workqueue: submit: duplicate target %q", raw)
		}
		seen[raw] = struct{}{}

		devID, err := id.ParseDeviceID(raw)
		if err != nil {
			return nil, fmt.Errorf("workqueue: submit: target %q: %w", raw, err)
		}
		targets = append(targets, devID)
	}
	return targets, nil
}

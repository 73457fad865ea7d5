// Package memory provides a fully in-memory store backend, safe for
// concurrent access. Intended for unit testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/driftlock/muster"
	"github.com/driftlock/muster/cluster"
	"github.com/driftlock/muster/device"
	"github.com/driftlock/muster/id"
	"github.com/driftlock/muster/job"
	"github.com/driftlock/muster/workqueue"
)

// Ensure Store implements store.Store at compile time.
// We can't import store here (import cycle), so we verify each subsystem.
var (
	_ job.Store       = (*Store)(nil)
	_ cluster.Store   = (*Store)(nil)
	_ workqueue.Store = (*Store)(nil)
	_ device.Store    = (*Store)(nil)
)

// Store is an in-memory implementation of store.Store.
type Store struct {
	mu sync.RWMutex

	closed      bool
	jobs        map[string]*job.Definition
	executions  map[string]*job.Execution
	instances   map[string]*cluster.Instance
	deployments map[string]*workqueue.Deployment
	devices     map[string]*device.Device
}

// New returns a new empty Store.
func New() *Store {
	return &Store{
		jobs:        make(map[string]*job.Definition),
		executions:  make(map[string]*job.Execution),
		instances:   make(map[string]*cluster.Instance),
		deployments: make(map[string]*workqueue.Deployment),
		devices:     make(map[string]*device.Device),
	}
}

// ──────────────────────────────────────────────────
// Lifecycle — Migrate / Ping / Close
// ──────────────────────────────────────────────────

// Migrate is a no-op for the memory store.
func (m *Store) Migrate(_ context.Context) error { return nil }

// Ping succeeds while the store is open and returns ErrStoreClosed
// after Close.
func (m *Store) Ping(_ context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return muster.ErrStoreClosed
	}
	return nil
}

// Close marks the store closed. Idempotent; the data stays readable so
// late in-flight operations don't fail during shutdown.
func (m *Store) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// ──────────────────────────────────────────────────
// Job Store
// ──────────────────────────────────────────────────

// CreateJob persists a new definition. Names are unique.
func (m *Store) CreateJob(_ context.Context, d *job.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.ID.String()
	if _, exists := m.jobs[key]; exists {
		return muster.ErrJobAlreadyExists
	}
	for _, existing := range m.jobs {
		if existing.Name == d.Name {
			return muster.ErrJobAlreadyExists
		}
	}
	m.jobs[key] = cloneDefinition(d)
	return nil
}

// GetJob retrieves a definition by ID.
func (m *Store) GetJob(_ context.Context, jobID id.JobID) (*job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.jobs[jobID.String()]
	if !ok {
		return nil, muster.ErrJobNotFound
	}
	return cloneDefinition(d), nil
}

// GetJobByName retrieves a definition by its unique name.
func (m *Store) GetJobByName(_ context.Context, name string) (*job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, d := range m.jobs {
		if d.Name == name {
			return cloneDefinition(d), nil
		}
	}
	return nil, muster.ErrJobNotFound
}

// UpdateJob persists changes to an existing definition.
func (m *Store) UpdateJob(_ context.Context, d *job.Definition) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.ID.String()
	if _, ok := m.jobs[key]; !ok {
		return muster.ErrJobNotFound
	}
	cp := cloneDefinition(d)
	cp.UpdatedAt = time.Now().UTC()
	m.jobs[key] = cp
	return nil
}

// UpdateJobNextRun sets only the cached next fire time.
func (m *Store) UpdateJobNextRun(_ context.Context, jobID id.JobID, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.jobs[jobID.String()]
	if !ok {
		return muster.ErrJobNotFound
	}
	if next != nil {
		n := *next
		d.NextRunAt = &n
	} else {
		d.NextRunAt = nil
	}
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteJob removes a definition by ID.
func (m *Store) DeleteJob(_ context.Context, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := jobID.String()
	if _, ok := m.jobs[key]; !ok {
		return muster.ErrJobNotFound
	}
	delete(m.jobs, key)
	return nil
}

// ListJobs returns all definitions ordered by name.
func (m *Store) ListJobs(_ context.Context, opts job.ListOpts) ([]*job.Definition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Definition, 0, len(m.jobs))
	for _, d := range m.jobs {
		result = append(result, cloneDefinition(d))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Name < result[k].Name
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ──────────────────────────────────────────────────
// Execution Store
// ──────────────────────────────────────────────────

// CreateExecution persists a new execution row.
func (m *Store) CreateExecution(_ context.Context, e *job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.executions[e.ID.String()] = cloneExecution(e)
	return nil
}

// GetExecution retrieves an execution by ID.
func (m *Store) GetExecution(_ context.Context, runID id.RunID) (*job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.executions[runID.String()]
	if !ok {
		return nil, muster.ErrExecutionNotFound
	}
	return cloneExecution(e), nil
}

// UpdateExecution persists changes to an execution. Terminal rows accept
// no further status change.
func (m *Store) UpdateExecution(_ context.Context, e *job.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := e.ID.String()
	existing, ok := m.executions[key]
	if !ok {
		return muster.ErrExecutionNotFound
	}
	if existing.Status.Terminal() && e.Status != existing.Status {
		return fmt.Errorf("memory: execution %s is %s: %w", key, existing.Status, muster.ErrInvalidTransition)
	}
	cp := cloneExecution(e)
	cp.UpdatedAt = time.Now().UTC()
	m.executions[key] = cp
	return nil
}

// ListExecutions returns executions matching opts, newest first.
func (m *Store) ListExecutions(_ context.Context, opts job.ExecListOpts) ([]*job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*job.Execution, 0, len(m.executions))
	for _, e := range m.executions {
		if !opts.JobID.IsNil() && e.JobID != opts.JobID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		result = append(result, cloneExecution(e))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// CountExecutions returns the number of executions matching opts.
func (m *Store) CountExecutions(_ context.Context, opts job.ExecListOpts) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var count int64
	for _, e := range m.executions {
		if !opts.JobID.IsNil() && e.JobID != opts.JobID {
			continue
		}
		if opts.Status != "" && e.Status != opts.Status {
			continue
		}
		count++
	}
	return count, nil
}

// ListExpiredExecutions returns non-terminal executions whose deadline
// passed before now.
func (m *Store) ListExpiredExecutions(_ context.Context, now time.Time) ([]*job.Execution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var expired []*job.Execution
	for _, e := range m.executions {
		if e.Status.Terminal() {
			continue
		}
		if e.ExpiresAt.Before(now) {
			expired = append(expired, cloneExecution(e))
		}
	}

	sort.Slice(expired, func(i, k int) bool {
		return expired[i].CreatedAt.Before(expired[k].CreatedAt)
	})

	return expired, nil
}

// ──────────────────────────────────────────────────
// Cluster Store
// ──────────────────────────────────────────────────

// RegisterInstance upserts an instance registration.
func (m *Store) RegisterInstance(_ context.Context, inst *cluster.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.instances[inst.ID.String()] = cloneInstance(inst)
	return nil
}

// HeartbeatInstance stamps the instance's heartbeat with the current time.
func (m *Store) HeartbeatInstance(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return muster.ErrInstanceNotFound
	}
	inst.HeartbeatAt = time.Now().UTC()
	inst.UpdatedAt = inst.HeartbeatAt
	return nil
}

// AcquireLeadership attempts to take or hold the leadership lease.
func (m *Store) AcquireLeadership(_ context.Context, instanceID id.InstanceID, leaseTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceID.String()
	caller, ok := m.instances[key]
	if !ok {
		return false, muster.ErrInstanceNotFound
	}

	now := time.Now().UTC()

	// Expired leader marks are cleared, then the lease is claimed iff no
	// other live leader remains.
	for _, inst := range m.instances {
		if inst.IsLeader && !inst.Alive(now, leaseTTL) {
			inst.IsLeader = false
			inst.UpdatedAt = now
		}
	}

	for k, inst := range m.instances {
		if k != key && inst.IsLeader {
			return false, nil
		}
	}

	if !caller.IsLeader {
		caller.IsLeader = true
		caller.UpdatedAt = now
	}
	return true, nil
}

// ResignLeadership voluntarily drops the caller's leader mark.
func (m *Store) ResignLeadership(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	inst, ok := m.instances[instanceID.String()]
	if !ok {
		return muster.ErrInstanceNotFound
	}
	if inst.IsLeader {
		inst.IsLeader = false
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// Leader returns the instance currently holding a live lease.
func (m *Store) Leader(_ context.Context, leaseTTL time.Duration) (*cluster.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now().UTC()
	for _, inst := range m.instances {
		if inst.HoldsLease(now, leaseTTL) {
			return cloneInstance(inst), nil
		}
	}
	return nil, muster.ErrNoLeader
}

// ListInstances returns all registered instances.
func (m *Store) ListInstances(_ context.Context) ([]*cluster.Instance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cluster.Instance, 0, len(m.instances))
	for _, inst := range m.instances {
		result = append(result, cloneInstance(inst))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.Before(result[k].CreatedAt)
	})

	return result, nil
}

// DeregisterInstance removes an instance registration.
func (m *Store) DeregisterInstance(_ context.Context, instanceID id.InstanceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceID.String()
	if _, ok := m.instances[key]; !ok {
		return muster.ErrInstanceNotFound
	}
	delete(m.instances, key)
	return nil
}

// DeleteStaleInstances removes instances whose heartbeat is older than cutoff.
func (m *Store) DeleteStaleInstances(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var count int64
	for key, inst := range m.instances {
		if inst.HeartbeatAt.Before(cutoff) {
			delete(m.instances, key)
			count++
		}
	}
	return count, nil
}

// ──────────────────────────────────────────────────
// Workqueue Store
// ──────────────────────────────────────────────────

// CreateDeployment persists a new queued deployment.
func (m *Store) CreateDeployment(_ context.Context, dep *workqueue.Deployment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.deployments[dep.ID.String()] = cloneDeployment(dep)
	return nil
}

// GetDeployment retrieves a deployment by ID.
func (m *Store) GetDeployment(_ context.Context, depID id.DeploymentID) (*workqueue.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	dep, ok := m.deployments[depID.String()]
	if !ok {
		return nil, muster.ErrDeploymentNotFound
	}
	return cloneDeployment(dep), nil
}

// ListDeployments returns deployments matching opts, newest first.
func (m *Store) ListDeployments(_ context.Context, opts workqueue.ListOpts) ([]*workqueue.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*workqueue.Deployment, 0, len(m.deployments))
	for _, dep := range m.deployments {
		if opts.Status != "" && dep.Status != opts.Status {
			continue
		}
		result = append(result, cloneDeployment(dep))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].CreatedAt.After(result[k].CreatedAt)
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// ClaimNextDeployment atomically claims the oldest queued deployment.
func (m *Store) ClaimNextDeployment(_ context.Context, workerID string) (*workqueue.Deployment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *workqueue.Deployment
	for _, dep := range m.deployments {
		if dep.Status != workqueue.StatusQueued {
			continue
		}
		if oldest == nil || dep.CreatedAt.Before(oldest.CreatedAt) {
			oldest = dep
		}
	}
	if oldest == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	oldest.Status = workqueue.StatusInProgress
	oldest.ClaimedBy = workerID
	oldest.ClaimedAt = &now
	oldest.UpdatedAt = now

	return cloneDeployment(oldest), nil
}

// CompleteDeployment records a worker's report for an in-progress
// deployment.
func (m *Store) CompleteDeployment(_ context.Context, depID id.DeploymentID, status workqueue.Status, results []workqueue.TargetResult, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[depID.String()]
	if !ok {
		return muster.ErrDeploymentNotFound
	}
	if dep.Status != workqueue.StatusInProgress {
		return fmt.Errorf("memory: deployment %s is %s: %w", depID, dep.Status, muster.ErrNotInProgress)
	}
	if !status.Terminal() {
		return fmt.Errorf("memory: deployment %s: %q is not a terminal status: %w", depID, status, muster.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	dep.Status = status
	dep.Results = append([]workqueue.TargetResult(nil), results...)
	dep.Error = errMsg
	dep.CompletedAt = &now
	dep.UpdatedAt = now
	return nil
}

// FailDeployment moves a deployment from the given status to failed.
func (m *Store) FailDeployment(_ context.Context, depID id.DeploymentID, from workqueue.Status, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	dep, ok := m.deployments[depID.String()]
	if !ok {
		return muster.ErrDeploymentNotFound
	}
	if dep.Status != from {
		return fmt.Errorf("memory: deployment %s is %s, not %s: %w", depID, dep.Status, from, muster.ErrInvalidTransition)
	}

	now := time.Now().UTC()
	dep.Status = workqueue.StatusFailed
	dep.Error = errMsg
	dep.CompletedAt = &now
	dep.UpdatedAt = now
	return nil
}

// ListOverdueDeployments returns deployments stuck in the given status
// past cutoff.
func (m *Store) ListOverdueDeployments(_ context.Context, status workqueue.Status, cutoff time.Time) ([]*workqueue.Deployment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var overdue []*workqueue.Deployment
	for _, dep := range m.deployments {
		if dep.Status != status {
			continue
		}
		switch status {
		case workqueue.StatusQueued:
			if dep.CreatedAt.Before(cutoff) {
				overdue = append(overdue, cloneDeployment(dep))
			}
		case workqueue.StatusInProgress:
			if dep.ClaimedAt != nil && dep.ClaimedAt.Before(cutoff) {
				overdue = append(overdue, cloneDeployment(dep))
			}
		}
	}

	sort.Slice(overdue, func(i, k int) bool {
		return overdue[i].CreatedAt.Before(overdue[k].CreatedAt)
	})

	return overdue, nil
}

// ──────────────────────────────────────────────────
// Device Store
// ──────────────────────────────────────────────────

// CreateDevice persists a new device. Serials are unique.
func (m *Store) CreateDevice(_ context.Context, d *device.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := d.ID.String()
	if _, exists := m.devices[key]; exists {
		return muster.ErrDeviceAlreadyExists
	}
	for _, existing := range m.devices {
		if existing.Serial == d.Serial {
			return muster.ErrDeviceAlreadyExists
		}
	}
	m.devices[key] = cloneDevice(d)
	return nil
}

// GetDevice retrieves a device by ID.
func (m *Store) GetDevice(_ context.Context, deviceID id.DeviceID) (*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.devices[deviceID.String()]
	if !ok {
		return nil, muster.ErrDeviceNotFound
	}
	return cloneDevice(d), nil
}

// ListDevices returns devices matching opts ordered by hostname.
func (m *Store) ListDevices(_ context.Context, opts device.ListOpts) ([]*device.Device, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*device.Device, 0, len(m.devices))
	for _, d := range m.devices {
		if opts.Lifecycle != "" && d.Lifecycle != opts.Lifecycle {
			continue
		}
		result = append(result, cloneDevice(d))
	}

	sort.Slice(result, func(i, k int) bool {
		return result[i].Hostname < result[k].Hostname
	})

	return paginate(result, opts.Offset, opts.Limit), nil
}

// UpdateDeviceLifecycle atomically moves a device between lifecycle states.
func (m *Store) UpdateDeviceLifecycle(_ context.Context, deviceID id.DeviceID, from, to device.Lifecycle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.devices[deviceID.String()]
	if !ok {
		return muster.ErrDeviceNotFound
	}
	if !device.CanTransition(from, to) {
		return fmt.Errorf("memory: device %s: %s to %s: %w", deviceID, from, to, muster.ErrInvalidTransition)
	}
	if d.Lifecycle != from {
		return fmt.Errorf("memory: device %s is %s, not %s: %w", deviceID, d.Lifecycle, from, muster.ErrInvalidTransition)
	}

	d.Lifecycle = to
	d.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteDevice removes a device by ID.
func (m *Store) DeleteDevice(_ context.Context, deviceID id.DeviceID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := deviceID.String()
	if _, ok := m.devices[key]; !ok {
		return muster.ErrDeviceNotFound
	}
	delete(m.devices, key)
	return nil
}

// ──────────────────────────────────────────────────
// Copy helpers
// ──────────────────────────────────────────────────

// Rows are cloned on the way in and out so callers can never race the
// store through shared pointers, maps, or slices.

func cloneDefinition(d *job.Definition) *job.Definition {
	cp := *d
	if d.TaskArgs != nil {
		cp.TaskArgs = make(job.Args, len(d.TaskArgs))
		for k, v := range d.TaskArgs {
			cp.TaskArgs[k] = v
		}
	}
	if d.NextRunAt != nil {
		n := *d.NextRunAt
		cp.NextRunAt = &n
	}
	return &cp
}

func cloneExecution(e *job.Execution) *job.Execution {
	cp := *e
	if e.StartedAt != nil {
		t := *e.StartedAt
		cp.StartedAt = &t
	}
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		cp.CompletedAt = &t
	}
	cp.Result = append([]byte(nil), e.Result...)
	return &cp
}

func cloneInstance(inst *cluster.Instance) *cluster.Instance {
	cp := *inst
	return &cp
}

func cloneDeployment(dep *workqueue.Deployment) *workqueue.Deployment {
	cp := *dep
	cp.Payload = append([]byte(nil), dep.Payload...)
	cp.Targets = append([]id.DeviceID(nil), dep.Targets...)
	cp.Results = append([]workqueue.TargetResult(nil), dep.Results...)
	if dep.ClaimedAt != nil {
		t := *dep.ClaimedAt
		cp.ClaimedAt = &t
	}
	if dep.CompletedAt != nil {
		t := *dep.CompletedAt
		cp.CompletedAt = &t
	}
	return &cp
}

func cloneDevice(d *device.Device) *device.Device {
	cp := *d
	return &cp
}

// paginate applies offset/limit to a sorted result slice.
func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return nil
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}

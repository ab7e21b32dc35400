package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/pkg/provider"
	"github.com/skiffhq/skiff/pkg/telemetry"
)

// Reconciler computes and executes the delta between the desired replica
// count of a service and the machines already tracked for it. Already
// tracked machines are reused; only the shortfall is provisioned. Failures
// on one machine never abort its siblings.
type Reconciler struct {
	store    Store
	prov     provider.Provider
	deployer Deployer
	history  RunRecorder

	poller      *Poller
	maxParallel int

	log     zerolog.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	now func() time.Time
}

// ReconcilerOption configures a Reconciler.
type ReconcilerOption func(*Reconciler)

// WithPollConfig overrides the readiness poll bounds.
func WithPollConfig(cfg PollConfig) ReconcilerOption {
	return func(r *Reconciler) { r.poller = NewPoller(cfg, r.log) }
}

// WithMaxParallel caps concurrent provisioning of new instances. Values
// below 2 keep provisioning sequential; concurrency never changes the
// observable semantics because each instance's record is still persisted
// before its poll begins.
func WithMaxParallel(n int) ReconcilerOption {
	return func(r *Reconciler) { r.maxParallel = n }
}

// WithHistory attaches a run recorder for the audit trail.
func WithHistory(h RunRecorder) ReconcilerOption {
	return func(r *Reconciler) { r.history = h }
}

// WithMetrics attaches a metrics collector.
func WithMetrics(m *telemetry.Metrics) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// WithTracer attaches a tracer.
func WithTracer(t *telemetry.Tracer) ReconcilerOption {
	return func(r *Reconciler) { r.tracer = t }
}

// NewReconciler creates a reconciler over the given store, provider, and
// deploy executor.
func NewReconciler(store Store, prov provider.Provider, deployer Deployer, log zerolog.Logger, opts ...ReconcilerOption) *Reconciler {
	r := &Reconciler{
		store:    store,
		prov:     prov,
		deployer: deployer,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.poller == nil {
		r.poller = NewPoller(DefaultPollConfig, log)
	}
	return r
}

// EnsureOptions carries the desired count and the instance template for
// new machines. The template's Name field is overridden per machine.
type EnsureOptions struct {
	Replicas int
	Instance provider.InstanceSpec
}

// Failure is one per-machine failure collected during a run.
type Failure struct {
	Machine string
	Err     error
}

// Result is the outcome of one reconcile run. Callers must distinguish
// partial success (some Failed, some Succeeded) from full success and from
// total failure; total failure is additionally signaled by a returned
// deployment error.
type Result struct {
	Service   string
	RunID     string
	Requested int
	Reused    int
	Created   int
	Succeeded []*Machine
	Failed    []Failure
}

// Partial reports whether the run succeeded for some but not all targets.
func (r *Result) Partial() bool {
	return len(r.Failed) > 0 && len(r.Succeeded) > 0
}

// EnsureService reconciles the service named in spec to opts.Replicas
// running deployments. Repeated invocations with the same count make no
// provider calls once enough machines are tracked, which is what makes an
// interrupted run resumable without re-provisioning paid-for instances.
func (r *Reconciler) EnsureService(ctx context.Context, spec *DeploySpec, opts EnsureOptions) (*Result, error) {
	if spec == nil || spec.Service == "" {
		return nil, NewValidationError("deploy spec with a service name is required", nil)
	}
	if opts.Replicas < 1 {
		return nil, NewValidationError(fmt.Sprintf("replica count must be at least 1, got %d", opts.Replicas), nil)
	}

	start := r.now()
	result := &Result{
		Service:   spec.Service,
		RunID:     uuid.New().String(),
		Requested: opts.Replicas,
	}

	ctx, span := r.tracer.StartReconcileSpan(ctx, spec.Service, opts.Replicas)
	defer span.End()
	defer r.updateTrackedGauge()

	log := r.log.With().Str("service", spec.Service).Str("run_id", result.RunID).Logger()

	records, err := r.store.Read()
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Any record with a matching name prefix is a reuse candidate no
	// matter what status it last recorded; the deploy step re-validates
	// the machine either way.
	candidates := MachinesForService(records, spec.Service)
	targets := candidates
	if len(candidates) >= opts.Replicas {
		targets = candidates[:opts.Replicas]
		log.Info().Int("tracked", len(candidates)).Int("requested", opts.Replicas).
			Msg("enough machines tracked, no provisioning needed")
	} else {
		needed := opts.Replicas - len(candidates)
		next := NextOrdinal(records, spec.Service)
		log.Info().Int("tracked", len(candidates)).Int("needed", needed).
			Int("first_ordinal", next).Msg("provisioning new machines")

		created, failures, err := r.provisionBatch(ctx, spec.Service, next, needed, opts.Instance)
		result.Failed = append(result.Failed, failures...)
		result.Created = len(created)
		if err != nil {
			telemetry.RecordError(span, err)
			r.recordRun(ctx, result, start, "failed", err)
			return result, err
		}
		targets = append(targets, created...)
	}
	result.Reused = len(targets) - result.Created

	// Deploy to every target independently. A failure on one machine is
	// collected and the rest of the batch proceeds.
	for _, m := range targets {
		if err := r.deployOne(ctx, m, spec); err != nil {
			log.Error().Err(err).Str("machine", m.Name).Msg("deploy failed")
			r.recordEvent(ctx, result.RunID, m.Name, "error", err.Error())
			result.Failed = append(result.Failed, Failure{Machine: m.Name, Err: err})
			continue
		}
		r.recordEvent(ctx, result.RunID, m.Name, "info", "deploy succeeded")
		result.Succeeded = append(result.Succeeded, m)
	}

	switch {
	case len(result.Succeeded) == 0:
		err := NewDeploymentError(
			fmt.Sprintf("all %d targets failed for service %s", opts.Replicas, spec.Service),
			firstError(result.Failed))
		telemetry.RecordError(span, err)
		r.metrics.RecordReconcile(spec.Service, "failed", r.now().Sub(start))
		r.recordRun(ctx, result, start, "failed", err)
		return result, err
	case result.Partial():
		log.Warn().Int("succeeded", len(result.Succeeded)).Int("failed", len(result.Failed)).
			Msg("reconcile finished with partial failures")
		r.metrics.RecordReconcile(spec.Service, "partial", r.now().Sub(start))
		r.recordRun(ctx, result, start, "partial", nil)
	default:
		log.Info().Int("machines", len(result.Succeeded)).Msg("reconcile succeeded")
		r.metrics.RecordReconcile(spec.Service, "succeeded", r.now().Sub(start))
		r.recordRun(ctx, result, start, "succeeded", nil)
	}
	telemetry.RecordSuccess(span)
	return result, nil
}

// provisionBatch creates the shortfall of new machines, optionally with
// bounded fan-out. A batch-fatal error (authentication, lock timeout)
// aborts the batch; any other per-machine error only fails its own slot.
func (r *Reconciler) provisionBatch(ctx context.Context, service string, first, needed int, tmpl provider.InstanceSpec) ([]*Machine, []Failure, error) {
	names := make([]string, needed)
	for i := 0; i < needed; i++ {
		names[i] = MachineName(service, first+i)
	}

	workers := r.maxParallel
	if workers < 1 {
		workers = 1
	}
	if workers > needed {
		workers = needed
	}

	type slot struct {
		machine *Machine
		failure *Failure
		fatal   error
	}
	slots := make([]slot, needed)

	if workers <= 1 {
		for i, name := range names {
			m, err := r.provisionOne(ctx, name, tmpl)
			switch {
			case err == nil:
				slots[i] = slot{machine: m}
			case IsFatalToBatch(err):
				slots[i] = slot{fatal: err}
			default:
				slots[i] = slot{failure: &Failure{Machine: name, Err: err}}
			}
			if slots[i].fatal != nil {
				break
			}
		}
	} else {
		var wg sync.WaitGroup
		work := make(chan int)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range work {
					m, err := r.provisionOne(ctx, names[i], tmpl)
					switch {
					case err == nil:
						slots[i] = slot{machine: m}
					case IsFatalToBatch(err):
						slots[i] = slot{fatal: err}
					default:
						slots[i] = slot{failure: &Failure{Machine: names[i], Err: err}}
					}
				}
			}()
		}
		for i := range names {
			work <- i
		}
		close(work)
		wg.Wait()
	}

	var (
		machines []*Machine
		failures []Failure
		fatal    error
	)
	for _, s := range slots {
		switch {
		case s.machine != nil:
			machines = append(machines, s.machine)
		case s.failure != nil:
			failures = append(failures, *s.failure)
		case s.fatal != nil && fatal == nil:
			fatal = s.fatal
		}
	}
	if fatal != nil {
		return nil, failures, fatal
	}
	return machines, failures, nil
}

// provisionOne creates one instance, persists its record before polling,
// and drives it to ready. The record is committed the moment the provider
// returns an identifier so an interrupted run still knows the billable
// resource exists; on poll timeout the record is retained, not rolled
// back.
func (r *Reconciler) provisionOne(ctx context.Context, name string, tmpl provider.InstanceSpec) (*Machine, error) {
	spec := tmpl
	spec.Name = name

	pctx, span := r.tracer.StartProviderSpan(ctx, r.prov.Name(), "create")
	createStart := r.now()
	inst, err := r.prov.Create(pctx, spec)
	r.metrics.RecordProviderCall(r.prov.Name(), "create", callStatus(err), r.now().Sub(createStart))
	if err != nil {
		telemetry.RecordError(span, err)
		span.End()
		return nil, wrapMachineErr(err, name, "create")
	}
	span.End()

	machine := &Machine{
		Name:       name,
		InstanceID: inst.ID,
		Address:    inst.Address,
		Provider:   r.prov.Name(),
		Region:     spec.Region,
		ServerType: spec.ServerType,
		Status:     StatusProvisioning,
		CreatedAt:  r.now(),
	}

	// Durable before any further step runs.
	if err := r.store.Upsert(machine); err != nil {
		return nil, err
	}
	r.log.Info().Str("machine", name).Str("instance_id", inst.ID).
		Str("address", inst.Address).Msg("instance created, record persisted")

	if err := r.poller.WaitReady(ctx, r.prov, inst); err != nil {
		r.failMachine(name, err)
		return nil, wrapMachineErr(err, name, "wait-ready")
	}
	r.metrics.RecordProvision(r.prov.Name(), r.now().Sub(createStart))

	machine.Status = StatusReady
	if machine.Address == "" {
		machine.Address = inst.Address
	}
	if err := r.store.Upsert(machine); err != nil {
		return nil, err
	}
	return machine, nil
}

// failMachine records a provisioning failure on the tracked record. A
// timeout leaves the record at provisioning, since the instance may yet
// come up and the operator decides whether to retry or destroy. A backend
// failure marks it failed.
func (r *Reconciler) failMachine(name string, cause error) {
	updateErr := r.store.Update(func(records map[string]*Machine) error {
		m, ok := records[name]
		if !ok {
			return nil
		}
		m.LastError = cause.Error()
		if !IsTimeout(cause) {
			m.Status = StatusFailed
		}
		return nil
	})
	if updateErr != nil {
		r.log.Error().Err(updateErr).Str("machine", name).Msg("failed to record provisioning failure")
	}
}

// deployOne runs the deploy executor against one machine and persists the
// outcome. On failure the record keeps its last successful status.
func (r *Reconciler) deployOne(ctx context.Context, machine *Machine, spec *DeploySpec) error {
	if spec.SkipDeploy {
		machine.Status = StatusRunning
		machine.LastError = ""
		return r.store.Upsert(machine)
	}

	prev := machine.Status
	if err := r.store.SetStatus(machine.Name, StatusDeploying); err != nil {
		return err
	}

	dctx, span := r.tracer.StartDeploySpan(ctx, machine.Name, machine.Address)
	defer span.End()

	deployStart := r.now()
	containers, err := r.deployer.Deploy(dctx, machine, spec)
	r.metrics.RecordDeploy(spec.Service, callStatus(err), r.now().Sub(deployStart))
	if err != nil {
		telemetry.RecordError(span, err)
		machine.Status = prev
		machine.LastError = err.Error()
		if upErr := r.store.Upsert(machine); upErr != nil {
			return upErr
		}
		if KindOf(err) == "" {
			err = NewDeploymentError("deploy failed", err)
		}
		return wrapMachineErr(err, machine.Name, "deploy")
	}

	machine.Containers = containers
	machine.Status = StatusRunning
	machine.LastError = ""
	if err := r.store.Upsert(machine); err != nil {
		return err
	}
	telemetry.RecordSuccess(span)
	return nil
}

// RemoveResult is the outcome of a removal run.
type RemoveResult struct {
	Service string
	Removed []string
	Failed  []Failure
}

// RemoveService destroys every tracked instance of a service and deletes
// the records. Destroy is idempotent at the provider boundary, so
// instances already gone out of band still count as removed. A destroy
// failure keeps the record for a later retry.
func (r *Reconciler) RemoveService(ctx context.Context, service string) (*RemoveResult, error) {
	records, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	return r.removeMachines(ctx, service, "remove", MachinesForService(records, service))
}

// ScaleDown destroys tracked machines beyond the desired count, highest
// ordinals first, so the surviving names stay contiguous from the low end.
func (r *Reconciler) ScaleDown(ctx context.Context, service string, replicas int) (*RemoveResult, error) {
	if replicas < 0 {
		return nil, NewValidationError(fmt.Sprintf("replica count must not be negative, got %d", replicas), nil)
	}
	records, err := r.store.Read()
	if err != nil {
		return nil, err
	}
	machines := MachinesForService(records, service)
	if len(machines) <= replicas {
		return &RemoveResult{Service: service}, nil
	}
	return r.removeMachines(ctx, service, "scale-down", machines[replicas:])
}

func (r *Reconciler) removeMachines(ctx context.Context, service, action string, machines []*Machine) (*RemoveResult, error) {
	start := r.now()
	result := &RemoveResult{Service: service}
	if len(machines) == 0 {
		return result, nil
	}
	defer r.updateTrackedGauge()

	for _, m := range machines {
		if m.InstanceID != "" {
			dctx, span := r.tracer.StartProviderSpan(ctx, r.prov.Name(), "destroy")
			destroyStart := r.now()
			err := r.prov.Destroy(dctx, m.InstanceID)
			r.metrics.RecordProviderCall(r.prov.Name(), "destroy", callStatus(err), r.now().Sub(destroyStart))
			if err != nil {
				telemetry.RecordError(span, err)
				span.End()
				if IsFatalToBatch(err) {
					return result, err
				}
				result.Failed = append(result.Failed, Failure{Machine: m.Name, Err: err})
				continue
			}
			span.End()
		}
		if err := r.store.Remove(m.Name); err != nil {
			result.Failed = append(result.Failed, Failure{Machine: m.Name, Err: err})
			continue
		}
		r.log.Info().Str("machine", m.Name).Str("instance_id", m.InstanceID).Msg("machine removed")
		result.Removed = append(result.Removed, m.Name)
	}

	if r.history != nil {
		status := "succeeded"
		if len(result.Failed) > 0 {
			status = "partial"
			if len(result.Removed) == 0 {
				status = "failed"
			}
		}
		_ = r.history.RecordRun(ctx, &RunRecord{
			ID:        uuid.New().String(),
			Service:   service,
			Action:    action,
			Requested: len(machines),
			Succeeded: len(result.Removed),
			Failed:    len(result.Failed),
			Status:    status,
			StartedAt: start,
			Duration:  r.now().Sub(start),
		})
	}
	return result, nil
}

func (r *Reconciler) recordRun(ctx context.Context, res *Result, start time.Time, status string, cause error) {
	if r.history == nil {
		return
	}
	rec := &RunRecord{
		ID:        res.RunID,
		Service:   res.Service,
		Action:    "ensure",
		Requested: res.Requested,
		Succeeded: len(res.Succeeded),
		Failed:    len(res.Failed),
		Status:    status,
		StartedAt: start,
		Duration:  r.now().Sub(start),
	}
	if cause != nil {
		rec.Error = cause.Error()
	}
	if err := r.history.RecordRun(ctx, rec); err != nil {
		r.log.Warn().Err(err).Msg("failed to record run history")
	}
}

// updateTrackedGauge refreshes the per-status machine gauge from the
// store. Every status is set, zero counts included, so machines leaving a
// status do not linger in the gauge.
func (r *Reconciler) updateTrackedGauge() {
	if r.metrics == nil {
		return
	}
	records, err := r.store.Read()
	if err != nil {
		return
	}
	counts := map[MachineStatus]int{}
	for _, m := range records {
		counts[m.Status]++
	}
	for _, st := range []MachineStatus{
		StatusProvisioning, StatusReady, StatusDeploying,
		StatusRunning, StatusStopped, StatusFailed,
	} {
		r.metrics.SetMachinesTracked(string(st), counts[st])
	}
}

func (r *Reconciler) recordEvent(ctx context.Context, runID, machine, level, message string) {
	if r.history == nil {
		return
	}
	if err := r.history.RecordEvent(ctx, runID, machine, level, message); err != nil {
		r.log.Warn().Err(err).Msg("failed to record run event")
	}
}

func wrapMachineErr(err error, machine, op string) error {
	var e *Error
	if errors.As(err, &e) {
		if e.Machine == "" {
			e.Machine = machine
		}
		if e.Op == "" {
			e.Op = op
		}
		return e
	}
	return NewProvisioningError("provider call failed", err).WithMachine(machine).WithOp(op)
}

func firstError(failures []Failure) error {
	if len(failures) == 0 {
		return nil
	}
	return failures[0].Err
}

func callStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

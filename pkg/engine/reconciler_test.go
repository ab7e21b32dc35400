package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/pkg/provider"
	"github.com/skiffhq/skiff/pkg/telemetry"
)

// memStore is an in-memory Store for reconciler tests. It mirrors the
// locking semantics of the file store closely enough for the reconciler:
// every mutation goes through Update under a mutex.
type memStore struct {
	mu      sync.Mutex
	records map[string]*Machine

	// readErr, if set, is returned from Read to simulate lock contention.
	readErr error

	// onUpsert observes every Upsert in call order.
	onUpsert func(m *Machine)
}

func newMemStore() *memStore {
	return &memStore{records: make(map[string]*Machine)}
}

func (s *memStore) Read() (map[string]*Machine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.readErr != nil {
		return nil, s.readErr
	}
	out := make(map[string]*Machine, len(s.records))
	for k, v := range s.records {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (s *memStore) Update(fn func(records map[string]*Machine) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fn(s.records)
}

func (s *memStore) Upsert(m *Machine) error {
	err := s.Update(func(records map[string]*Machine) error {
		cp := *m
		records[m.Name] = &cp
		return nil
	})
	if err == nil && s.onUpsert != nil {
		s.onUpsert(m)
	}
	return err
}

func (s *memStore) SetStatus(name string, status MachineStatus) error {
	return s.Update(func(records map[string]*Machine) error {
		m, ok := records[name]
		if !ok {
			return fmt.Errorf("no record %q", name)
		}
		m.Status = status
		return nil
	})
}

func (s *memStore) Remove(name string) error {
	return s.Update(func(records map[string]*Machine) error {
		delete(records, name)
		return nil
	})
}

func (s *memStore) get(t *testing.T, name string) *Machine {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.records[name]
	if !ok {
		t.Fatalf("record %q not found in store", name)
	}
	cp := *m
	return &cp
}

func (s *memStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// fakeProvider scripts create/status/destroy behavior per instance name.
type fakeProvider struct {
	mu sync.Mutex

	createCalls  int
	destroyCalls int
	destroyed    []string

	// createErr fails Create for the named machine.
	createErr map[string]error

	// statuses scripts successive Status results per instance ID. When a
	// script runs out the last entry repeats.
	statuses map[string][]provider.InstanceStatus

	// destroyErr fails Destroy for the given instance ID.
	destroyErr map[string]error

	// createStatus is the status reported on the create response itself.
	createStatus provider.InstanceStatus

	statusIdx map[string]int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		createErr:    make(map[string]error),
		statuses:     make(map[string][]provider.InstanceStatus),
		destroyErr:   make(map[string]error),
		createStatus: provider.StatusRunning,
		statusIdx:    make(map[string]int),
	}
}

func (f *fakeProvider) Name() string { return "fake" }

func (f *fakeProvider) Create(_ context.Context, spec provider.InstanceSpec) (*provider.Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if err, ok := f.createErr[spec.Name]; ok {
		return nil, err
	}
	return &provider.Instance{
		ID:      "id-" + spec.Name,
		Name:    spec.Name,
		Address: "10.0.0.1",
		Status:  f.createStatus,
		Created: time.Now(),
	}, nil
}

func (f *fakeProvider) Status(_ context.Context, id string) (provider.InstanceStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	script, ok := f.statuses[id]
	if !ok || len(script) == 0 {
		return provider.StatusRunning, nil
	}
	i := f.statusIdx[id]
	if i >= len(script) {
		i = len(script) - 1
	}
	f.statusIdx[id] = i + 1
	return script[i], nil
}

func (f *fakeProvider) Destroy(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyCalls++
	if err, ok := f.destroyErr[id]; ok {
		return err
	}
	f.destroyed = append(f.destroyed, id)
	return nil
}

func (f *fakeProvider) EstimateCost(spec provider.InstanceSpec) (*provider.CostEstimate, error) {
	return &provider.CostEstimate{Provider: "fake", Plan: spec.ServerType}, nil
}

// fakeDeployer fails for machines listed in failFor.
type fakeDeployer struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error
}

func newFakeDeployer() *fakeDeployer {
	return &fakeDeployer{failFor: make(map[string]error)}
}

func (d *fakeDeployer) Deploy(_ context.Context, machine *Machine, spec *DeploySpec) ([]Container, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, machine.Name)
	if err, ok := d.failFor[machine.Name]; ok {
		return nil, err
	}
	out := make([]Container, 0, len(spec.Containers))
	for _, c := range spec.Containers {
		out = append(out, Container{Service: c.Name, Image: c.Image, Status: "running"})
	}
	return out, nil
}

func testReconciler(t *testing.T, store Store, prov provider.Provider, dep Deployer, opts ...ReconcilerOption) *Reconciler {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	opts = append([]ReconcilerOption{
		WithPollConfig(PollConfig{Interval: time.Millisecond, Timeout: 50 * time.Millisecond}),
	}, opts...)
	return NewReconciler(store, prov, dep, log, opts...)
}

func webSpec() *DeploySpec {
	return &DeploySpec{
		Service: "web",
		Containers: []ContainerSpec{
			{Name: "web", Image: "nginx:1.27"},
		},
	}
}

func TestEnsureServiceProvisionsShortfall(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if len(res.Succeeded) != 3 || len(res.Failed) != 0 {
		t.Fatalf("got %d succeeded, %d failed, want 3/0", len(res.Succeeded), len(res.Failed))
	}
	if res.Created != 3 || res.Reused != 0 {
		t.Fatalf("got created=%d reused=%d, want 3/0", res.Created, res.Reused)
	}
	if prov.createCalls != 3 {
		t.Fatalf("provider Create called %d times, want 3", prov.createCalls)
	}
	for _, name := range []string{"web-1", "web-2", "web-3"} {
		m := store.get(t, name)
		if m.Status != StatusRunning {
			t.Errorf("%s status = %s, want running", name, m.Status)
		}
		if m.InstanceID == "" || m.Address == "" {
			t.Errorf("%s missing instance id or address: %+v", name, m)
		}
	}
}

func TestEnsureServiceReusesTrackedMachines(t *testing.T) {
	store := newMemStore()
	for i := 1; i <= 3; i++ {
		name := MachineName("web", i)
		store.records[name] = &Machine{
			Name: name, InstanceID: fmt.Sprintf("id-%d", i),
			Address: "10.0.0.1", Status: StatusRunning,
		}
	}
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if prov.createCalls != 0 {
		t.Fatalf("provider Create called %d times on full reuse, want 0", prov.createCalls)
	}
	if res.Reused != 3 || res.Created != 0 {
		t.Fatalf("got reused=%d created=%d, want 3/0", res.Reused, res.Created)
	}
}

func TestEnsureServiceSecondRunMakesNoProviderCalls(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	created := prov.createCalls

	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3}); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if prov.createCalls != created {
		t.Fatalf("second run made %d extra Create calls, want 0", prov.createCalls-created)
	}
}

func TestEnsureServiceReusesFailedRecords(t *testing.T) {
	// Optimistic reuse: a record last seen failed is still a candidate and
	// the deploy step decides whether it works.
	store := newMemStore()
	store.records["web-1"] = &Machine{
		Name: "web-1", InstanceID: "id-web-1", Address: "10.0.0.1",
		Status: StatusFailed, LastError: "boom",
	}
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 1})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if prov.createCalls != 0 {
		t.Fatalf("provider Create called %d times, want 0", prov.createCalls)
	}
	if len(res.Succeeded) != 1 {
		t.Fatalf("got %d succeeded, want 1", len(res.Succeeded))
	}
	m := store.get(t, "web-1")
	if m.Status != StatusRunning || m.LastError != "" {
		t.Fatalf("reused machine = %+v, want running with cleared error", m)
	}
}

func TestEnsureServiceNamesAreMonotonic(t *testing.T) {
	// web-1 and web-3 exist (web-2 was removed out of band); two more
	// replicas must become web-4 and web-5, never a reused web-2.
	store := newMemStore()
	for _, name := range []string{"web-1", "web-3"} {
		store.records[name] = &Machine{
			Name: name, InstanceID: "id-" + name, Address: "10.0.0.1",
			Status: StatusRunning,
		}
	}
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 4})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if res.Created != 2 {
		t.Fatalf("created = %d, want 2", res.Created)
	}
	for _, name := range []string{"web-4", "web-5"} {
		store.get(t, name)
	}
	if store.len() != 4 {
		t.Fatalf("store has %d records, want 4", store.len())
	}
	if _, err := store.Read(); err != nil {
		t.Fatal(err)
	}
}

func TestEnsureServicePartialFailureIsolated(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.createErr["web-2"] = NewQuotaError("server limit reached", nil)
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3})
	if err != nil {
		t.Fatalf("partial failure must not fail the run: %v", err)
	}
	if len(res.Succeeded) != 2 {
		t.Fatalf("got %d succeeded, want 2", len(res.Succeeded))
	}
	if len(res.Failed) != 1 || res.Failed[0].Machine != "web-2" {
		t.Fatalf("failed = %+v, want exactly web-2", res.Failed)
	}
	if !IsQuotaExceeded(res.Failed[0].Err) {
		t.Fatalf("failure error = %v, want quota", res.Failed[0].Err)
	}
	if !res.Partial() {
		t.Fatal("result should report partial")
	}
	// The failed slot never produced a record; the successes did.
	if store.len() != 2 {
		t.Fatalf("store has %d records, want 2", store.len())
	}
}

func TestEnsureServiceAllFailedReturnsDeploymentError(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	dep.failFor["web-1"] = NewTransportError("dial tcp: refused", nil)
	dep.failFor["web-2"] = NewTransportError("dial tcp: refused", nil)
	r := testReconciler(t, store, prov, dep)

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 2})
	if !IsDeployment(err) {
		t.Fatalf("err = %v, want deployment error", err)
	}
	if len(res.Succeeded) != 0 || len(res.Failed) != 2 {
		t.Fatalf("got %d succeeded, %d failed, want 0/2", len(res.Succeeded), len(res.Failed))
	}
	// Failed deploys keep the record at its last successful status.
	for _, name := range []string{"web-1", "web-2"} {
		m := store.get(t, name)
		if m.Status != StatusReady {
			t.Errorf("%s status = %s, want ready", name, m.Status)
		}
		if m.LastError == "" {
			t.Errorf("%s missing last error", name)
		}
	}
}

func TestEnsureServiceAuthErrorFatalToBatch(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.createErr["web-1"] = NewAuthenticationError("invalid token", nil)
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	_, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 3})
	if !IsAuthentication(err) {
		t.Fatalf("err = %v, want authentication", err)
	}
	if prov.createCalls != 1 {
		t.Fatalf("provider Create called %d times after fatal error, want 1", prov.createCalls)
	}
}

func TestEnsureServiceLockTimeoutFatal(t *testing.T) {
	store := newMemStore()
	store.readErr = NewLockTimeoutError("state store locked", nil)
	r := testReconciler(t, store, newFakeProvider(), newFakeDeployer())

	_, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 1})
	if !IsLockTimeout(err) {
		t.Fatalf("err = %v, want lock timeout", err)
	}
}

func TestEnsureServicePersistsRecordBeforePolling(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.createStatus = provider.StatusPending
	prov.statuses["id-web-1"] = []provider.InstanceStatus{
		provider.StatusPending,
		provider.StatusRunning,
	}

	// The first persisted record must carry provisioning status and the
	// instance ID, proving durability precedes the readiness wait.
	var first *Machine
	store.onUpsert = func(m *Machine) {
		if first == nil {
			cp := *m
			first = &cp
		}
	}

	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 1}); err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if first == nil {
		t.Fatal("no record was persisted")
	}
	if first.Status != StatusProvisioning {
		t.Fatalf("first persisted status = %s, want provisioning", first.Status)
	}
	if first.InstanceID != "id-web-1" {
		t.Fatalf("first persisted instance id = %q", first.InstanceID)
	}
}

func TestEnsureServiceTimeoutRetainsRecord(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.createStatus = provider.StatusPending
	prov.statuses["id-web-1"] = []provider.InstanceStatus{provider.StatusPending}
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	_, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 1})
	if !IsDeployment(err) {
		t.Fatalf("err = %v, want deployment error wrapping the lone failure", err)
	}
	m := store.get(t, "web-1")
	if m.Status != StatusProvisioning {
		t.Fatalf("timed-out machine status = %s, want provisioning retained", m.Status)
	}
	if m.LastError == "" {
		t.Fatal("timed-out machine should carry a last error")
	}
}

func TestEnsureServiceBackendFailureMarksFailed(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	prov.createStatus = provider.StatusPending
	prov.statuses["id-web-1"] = []provider.InstanceStatus{provider.StatusFailed}
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	_, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 1})
	if err == nil {
		t.Fatal("expected error")
	}
	m := store.get(t, "web-1")
	if m.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
}

func TestEnsureServiceSkipDeploy(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep)

	spec := webSpec()
	spec.SkipDeploy = true
	res, err := r.EnsureService(context.Background(), spec, EnsureOptions{Replicas: 1})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if len(dep.calls) != 0 {
		t.Fatalf("deployer called %d times with skip set, want 0", len(dep.calls))
	}
	if res.Succeeded[0].Status != StatusRunning {
		t.Fatalf("status = %s, want running", res.Succeeded[0].Status)
	}
}

func TestEnsureServiceParallelProvisioning(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	r := testReconciler(t, store, prov, dep, WithMaxParallel(3))

	res, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 5})
	if err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if len(res.Succeeded) != 5 {
		t.Fatalf("got %d succeeded, want 5", len(res.Succeeded))
	}
	if store.len() != 5 {
		t.Fatalf("store has %d records, want 5", store.len())
	}
}

func TestEnsureServiceValidation(t *testing.T) {
	r := testReconciler(t, newMemStore(), newFakeProvider(), newFakeDeployer())

	if _, err := r.EnsureService(context.Background(), nil, EnsureOptions{Replicas: 1}); KindOf(err) != KindValidation {
		t.Fatalf("nil spec err = %v, want validation", err)
	}
	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 0}); KindOf(err) != KindValidation {
		t.Fatalf("zero replicas err = %v, want validation", err)
	}
}

func TestRemoveServiceDestroysAndDeletes(t *testing.T) {
	store := newMemStore()
	for i := 1; i <= 2; i++ {
		name := MachineName("web", i)
		store.records[name] = &Machine{Name: name, InstanceID: "id-" + name, Status: StatusRunning}
	}
	prov := newFakeProvider()
	r := testReconciler(t, store, prov, newFakeDeployer())

	res, err := r.RemoveService(context.Background(), "web")
	if err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if len(res.Removed) != 2 || len(res.Failed) != 0 {
		t.Fatalf("removed=%v failed=%v", res.Removed, res.Failed)
	}
	if store.len() != 0 {
		t.Fatalf("store has %d records after removal, want 0", store.len())
	}
	if prov.destroyCalls != 2 {
		t.Fatalf("Destroy called %d times, want 2", prov.destroyCalls)
	}
}

func TestRemoveServiceDestroyFailureKeepsRecord(t *testing.T) {
	store := newMemStore()
	store.records["web-1"] = &Machine{Name: "web-1", InstanceID: "id-web-1", Status: StatusRunning}
	store.records["web-2"] = &Machine{Name: "web-2", InstanceID: "id-web-2", Status: StatusRunning}
	prov := newFakeProvider()
	prov.destroyErr["id-web-1"] = NewProvisioningError("backend error", errors.New("500"))
	r := testReconciler(t, store, prov, newFakeDeployer())

	res, err := r.RemoveService(context.Background(), "web")
	if err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if len(res.Removed) != 1 || res.Removed[0] != "web-2" {
		t.Fatalf("removed = %v, want [web-2]", res.Removed)
	}
	if len(res.Failed) != 1 || res.Failed[0].Machine != "web-1" {
		t.Fatalf("failed = %+v, want web-1", res.Failed)
	}
	// The record survives for a retry.
	store.get(t, "web-1")
}

func TestScaleDownRemovesHighestOrdinals(t *testing.T) {
	store := newMemStore()
	for i := 1; i <= 4; i++ {
		name := MachineName("web", i)
		store.records[name] = &Machine{Name: name, InstanceID: "id-" + name, Status: StatusRunning}
	}
	prov := newFakeProvider()
	r := testReconciler(t, store, prov, newFakeDeployer())

	res, err := r.ScaleDown(context.Background(), "web", 2)
	if err != nil {
		t.Fatalf("ScaleDown: %v", err)
	}
	if len(res.Removed) != 2 {
		t.Fatalf("removed = %v, want 2 machines", res.Removed)
	}
	for _, name := range []string{"web-3", "web-4"} {
		if _, ok := store.records[name]; ok {
			t.Errorf("%s should have been removed", name)
		}
	}
	for _, name := range []string{"web-1", "web-2"} {
		store.get(t, name)
	}

	// Already at or below target: nothing to do.
	res, err = r.ScaleDown(context.Background(), "web", 5)
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Removed) != 0 {
		t.Fatalf("removed = %v, want none", res.Removed)
	}
}

func TestRemoveServiceEmpty(t *testing.T) {
	r := testReconciler(t, newMemStore(), newFakeProvider(), newFakeDeployer())
	res, err := r.RemoveService(context.Background(), "web")
	if err != nil {
		t.Fatalf("RemoveService: %v", err)
	}
	if len(res.Removed) != 0 {
		t.Fatalf("removed = %v, want none", res.Removed)
	}
}

// recordingHistory captures run records for assertions.
type recordingHistory struct {
	mu     sync.Mutex
	runs   []*RunRecord
	events []string
}

func (h *recordingHistory) RecordRun(_ context.Context, run *RunRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.runs = append(h.runs, run)
	return nil
}

func (h *recordingHistory) RecordEvent(_ context.Context, runID, machine, level, message string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, fmt.Sprintf("%s/%s/%s", machine, level, message))
	return nil
}

func TestEnsureServiceRecordsHistory(t *testing.T) {
	hist := &recordingHistory{}
	r := testReconciler(t, newMemStore(), newFakeProvider(), newFakeDeployer(), WithHistory(hist))

	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 2}); err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	if len(hist.runs) != 1 {
		t.Fatalf("got %d run records, want 1", len(hist.runs))
	}
	run := hist.runs[0]
	if run.Action != "ensure" || run.Status != "succeeded" || run.Succeeded != 2 {
		t.Fatalf("run record = %+v", run)
	}
	if len(hist.events) != 2 {
		t.Fatalf("got %d events, want 2", len(hist.events))
	}
}

func scrapeMetrics(t *testing.T, m *telemetry.Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestTrackedMachineGaugeFollowsStore(t *testing.T) {
	store := newMemStore()
	prov := newFakeProvider()
	dep := newFakeDeployer()
	metrics := telemetry.NewMetrics(telemetry.MetricsConfig{Enabled: true})
	r := testReconciler(t, store, prov, dep, WithMetrics(metrics))

	if _, err := r.EnsureService(context.Background(), webSpec(), EnsureOptions{Replicas: 2}); err != nil {
		t.Fatalf("EnsureService: %v", err)
	}
	body := scrapeMetrics(t, metrics)
	if !strings.Contains(body, `machines_tracked{status="running"} 2`) {
		t.Fatalf("gauge not updated after reconcile:\n%s", body)
	}

	if _, err := r.ScaleDown(context.Background(), "web", 1); err != nil {
		t.Fatalf("ScaleDown: %v", err)
	}
	body = scrapeMetrics(t, metrics)
	if !strings.Contains(body, `machines_tracked{status="running"} 1`) {
		t.Fatalf("gauge stale after scale-down:\n%s", body)
	}
	if !strings.Contains(body, `machines_tracked{status="failed"} 0`) {
		t.Fatalf("expected zero counts to be set explicitly:\n%s", body)
	}
}

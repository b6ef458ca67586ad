package fabric

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// --- fakes ---

type fakeInstance struct {
	mu      sync.Mutex
	calls   []string
	params  InitParams
	handle  PartitionHandle
	openErr error
	closed  chan struct{}
}

func newFakeInstance() *fakeInstance {
	return &fakeInstance{closed: make(chan struct{})}
}

func (f *fakeInstance) record(call string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
}

func (f *fakeInstance) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeInstance) Initialize(p InitParams) {
	f.record("Initialize")
	f.mu.Lock()
	f.params = p
	f.mu.Unlock()
}

func (f *fakeInstance) Open(_ context.Context, h PartitionHandle) (string, error) {
	f.record("Open")
	f.mu.Lock()
	f.handle = h
	f.mu.Unlock()
	if f.openErr != nil {
		return "", f.openErr
	}
	return "10.0.0.5:11111", nil
}

func (f *fakeInstance) Close(context.Context) error {
	f.record("Close")
	close(f.closed)
	return nil
}

func (f *fakeInstance) Abort() { f.record("Abort") }

type fakeFactory struct {
	mu        sync.Mutex
	instances []*fakeInstance
	newInst   func(n int) *fakeInstance
	created   chan *fakeInstance
}

func newFakeFactory(newInst func(n int) *fakeInstance) *fakeFactory {
	if newInst == nil {
		newInst = func(int) *fakeInstance { return newFakeInstance() }
	}
	return &fakeFactory{newInst: newInst, created: make(chan *fakeInstance, 16)}
}

func (f *fakeFactory) CreateInstance(string, *url.URL, []byte, uuid.UUID, int64) (StatelessInstance, error) {
	f.mu.Lock()
	inst := f.newInst(len(f.instances))
	f.instances = append(f.instances, inst)
	f.mu.Unlock()
	f.created <- inst
	return inst, nil
}

// --- helpers ---

func testManifest(t *testing.T) *Manifest {
	t.Helper()
	m, err := ParseManifest(strings.NewReader(exampleManifest))
	if err != nil {
		t.Fatalf("ParseManifest() error = %v", err)
	}
	return m
}

func instantRetries(n uint64) LocalOption {
	return WithBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, n)
	})
}

func nextCreated(t *testing.T, f *fakeFactory) *fakeInstance {
	t.Helper()
	select {
	case inst := <-f.created:
		return inst
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for an instance to be created")
		return nil
	}
}

// waitOpened waits until the instance has been handed its partition.
func waitOpened(t *testing.T, inst *fakeInstance) PartitionHandle {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		inst.mu.Lock()
		h := inst.handle
		inst.mu.Unlock()
		if h != nil {
			return h
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for Open")
	return nil
}

func runLocal(ctx context.Context, l *Local) <-chan error {
	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()
	return done
}

func waitRun(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return")
		return nil
	}
}

// --- tests ---

func TestLocal_PlacesAndClosesOnShutdown(t *testing.T) {
	t.Parallel()

	m := testManifest(t)
	f := newFakeFactory(nil)
	l := NewLocal(m, instantRetries(3))
	l.RegisterServiceType("SiloHostType", f)

	ctx, cancel := context.WithCancel(context.Background())
	done := runLocal(ctx, l)

	inst := nextCreated(t, f)
	h := waitOpened(t, inst)

	svc, _ := m.Service("Silo")
	if h.Info().ID != m.PartitionID(svc) {
		t.Errorf("partition id = %s, want %s", h.Info().ID, m.PartitionID(svc))
	}
	inst.mu.Lock()
	params := inst.params
	inst.mu.Unlock()
	if params.Locator.String() != "fabric:/App/Silo" {
		t.Errorf("locator = %s, want fabric:/App/Silo", params.Locator)
	}
	if params.Node.HostName() != "10.0.0.5" {
		t.Errorf("host name = %q, want 10.0.0.5", params.Node.HostName())
	}
	if params.InstanceID == 0 {
		t.Error("instance id is zero")
	}

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	want := []string{"Initialize", "Open", "Close"}
	if got := inst.methods(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("instance calls = %v, want %v", got, want)
	}
	st := l.Status()
	if len(st) != 1 || st[0].Phase != "closed" {
		t.Errorf("Status() = %+v, want one closed placement", st)
	}
}

func TestLocal_TransientFaultReplaces(t *testing.T) {
	t.Parallel()

	f := newFakeFactory(nil)
	l := NewLocal(testManifest(t), instantRetries(3))
	l.RegisterServiceType("SiloHostType", f)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runLocal(ctx, l)

	first := nextCreated(t, f)
	if err := waitOpened(t, first).ReportFault(FaultTransient); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}

	second := nextCreated(t, f)
	waitOpened(t, second)

	cancel()
	if err := waitRun(t, done); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if got := first.methods(); got[len(got)-1] != "Abort" {
		t.Errorf("first instance calls = %v, want Abort last", got)
	}
	if got := second.methods(); got[len(got)-1] != "Close" {
		t.Errorf("second instance calls = %v, want Close last", got)
	}
	first.mu.Lock()
	firstID := first.params.InstanceID
	first.mu.Unlock()
	second.mu.Lock()
	secondID := second.params.InstanceID
	second.mu.Unlock()
	if firstID == secondID {
		t.Errorf("re-placed instance reused id %d", firstID)
	}
}

func TestLocal_PermanentFaultStopsRun(t *testing.T) {
	t.Parallel()

	f := newFakeFactory(nil)
	l := NewLocal(testManifest(t), instantRetries(3))
	l.RegisterServiceType("SiloHostType", f)

	done := runLocal(context.Background(), l)

	inst := nextCreated(t, f)
	if err := waitOpened(t, inst).ReportFault(FaultPermanent); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}

	if err := waitRun(t, done); !errors.Is(err, ErrPermanentFault) {
		t.Fatalf("Run() error = %v, want ErrPermanentFault", err)
	}
}

func TestLocal_GivesUpAfterFailedOpens(t *testing.T) {
	t.Parallel()

	openErr := errors.New("address in use")
	f := newFakeFactory(func(int) *fakeInstance {
		inst := newFakeInstance()
		inst.openErr = openErr
		return inst
	})
	l := NewLocal(testManifest(t), instantRetries(2))
	l.RegisterServiceType("SiloHostType", f)

	err := l.Run(context.Background())
	if err == nil || !strings.Contains(err.Error(), "giving up after 3") {
		t.Fatalf("Run() error = %v, want give up after 3 attempts", err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.instances) != 3 {
		t.Fatalf("instances created = %d, want 3", len(f.instances))
	}
	for i, inst := range f.instances {
		if got := inst.methods(); got[len(got)-1] != "Abort" {
			t.Errorf("instance %d calls = %v, want Abort after failed Open", i, got)
		}
	}
}

func TestLocal_UnknownServiceType(t *testing.T) {
	t.Parallel()

	l := NewLocal(testManifest(t))
	if err := l.Run(context.Background()); !errors.Is(err, ErrUnknownServiceType) {
		t.Fatalf("Run() error = %v, want ErrUnknownServiceType", err)
	}
}

func TestPlacement_ReportFault(t *testing.T) {
	t.Parallel()

	p := &placement{faults: make(chan FaultType, 1)}
	if err := p.ReportFault(FaultType(0)); err == nil {
		t.Error("ReportFault(0) expected error")
	}
	if err := p.ReportFault(FaultTransient); err != nil {
		t.Fatalf("ReportFault() error = %v", err)
	}
	if got := <-p.faults; got != FaultTransient {
		t.Errorf("queued fault = %s, want transient", got)
	}
	// Draining the queue does not reopen it; the placement is being replaced.
	if err := p.ReportFault(FaultPermanent); !errors.Is(err, ErrFaultAlreadyReported) {
		t.Errorf("second ReportFault() error = %v, want ErrFaultAlreadyReported", err)
	}
	select {
	case got := <-p.faults:
		t.Errorf("second fault %s was queued", got)
	default:
	}
}

func TestActivation(t *testing.T) {
	t.Parallel()

	svc, _ := testManifest(t).Service("Silo")
	a := activation{svc: svc}

	port, err := a.EndpointPort("ProxyEndpoint")
	if err != nil || port != 30000 {
		t.Errorf("EndpointPort(ProxyEndpoint) = %d, %v; want 30000", port, err)
	}
	if _, err := a.EndpointPort("Nope"); !errors.Is(err, ErrUnknownEndpoint) {
		t.Errorf("EndpointPort(Nope) error = %v, want ErrUnknownEndpoint", err)
	}

	pkg, err := a.ConfigPackage("Config")
	if err != nil {
		t.Fatalf("ConfigPackage() error = %v", err)
	}
	if v, ok := pkg.Setting("Silo", "ConfigurationFile"); !ok || v != "/etc/fabrichost/SiloConfiguration.xml" {
		t.Errorf("Setting() = %q, %v", v, ok)
	}
	if _, ok := pkg.Setting("Silo", "Missing"); ok {
		t.Error("Setting(Missing) found")
	}
	if _, err := a.ConfigPackage("Other"); !errors.Is(err, ErrUnknownConfigPackage) {
		t.Errorf("ConfigPackage(Other) error = %v, want ErrUnknownConfigPackage", err)
	}
}

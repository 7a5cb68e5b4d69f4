package approval

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/pkgindex"
	"github.com/mlowden/strand/internal/store"
)

// fakeInstaller records calls and answers from an in-memory installed set.
type fakeInstaller struct {
	mu        sync.Mutex
	installed map[string]bool
	failWith  error
}

func newFakeInstaller() *fakeInstaller {
	return &fakeInstaller{installed: make(map[string]bool)}
}

func (f *fakeInstaller) Name() string { return "fake" }

func (f *fakeInstaller) Install(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	f.installed[name] = true
	return nil
}

func (f *fakeInstaller) Uninstall(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != nil {
		return f.failWith
	}
	delete(f.installed, name)
	return nil
}

func (f *fakeInstaller) List(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.installed))
	for name := range f.installed {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeInstaller) setInstalled(name string, present bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if present {
		f.installed[name] = true
	} else {
		delete(f.installed, name)
	}
}

func newTestManager(t *testing.T) (*Manager, *store.Store, *fakeInstaller, *broadcast.Hub) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	index := &pkgindex.Static{Entries: map[string]models.PackageMetadata{
		"requests": {SafetyScore: 85, SafetyLevel: models.SafetyLow, Version: "2.31.0"},
	}}
	inst := newFakeInstaller()
	hub := broadcast.NewHub()
	m := New(s, index, inst, hub, audit.NewWriter(s))
	t.Cleanup(m.Stop)
	return m, s, inst, hub
}

// waitStatus polls a package until it reaches the wanted state.
func waitStatus(t *testing.T, m *Manager, name string, want models.PackageStatus) *models.Package {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		pkg, err := m.Get(name)
		if err != nil {
			t.Fatalf("Get failed: %v", err)
		}
		if pkg.Status == want {
			return pkg
		}
		time.Sleep(10 * time.Millisecond)
	}
	pkg, _ := m.Get(name)
	t.Fatalf("Package %s never reached %s (stuck at %s)", name, want, pkg.Status)
	return nil
}

func TestRequestAttachesMetadata(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	pkg, err := m.RequestInstall(context.Background(), "requests", "http client", "worker-1")
	if err != nil {
		t.Fatalf("RequestInstall failed: %v", err)
	}
	if pkg.Status != models.PackageStatusPending {
		t.Errorf("Expected pending, got %s", pkg.Status)
	}
	if pkg.Metadata.SafetyLevel != models.SafetyLow || pkg.Metadata.Version != "2.31.0" {
		t.Errorf("Index metadata not attached: %+v", pkg.Metadata)
	}

	// Unknown packages still get a record, tagged UNKNOWN.
	pkg, err = m.RequestInstall(context.Background(), "mysterylib", "", "worker-1")
	if err != nil {
		t.Fatalf("RequestInstall failed: %v", err)
	}
	if pkg.Metadata.SafetyLevel != models.SafetyUnknown {
		t.Errorf("Expected UNKNOWN safety, got %s", pkg.Metadata.SafetyLevel)
	}
}

func TestRequestIdempotentByName(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	first, _ := m.RequestInstall(context.Background(), "requests", "", "worker-1")
	second, err := m.RequestInstall(context.Background(), "requests", "", "worker-2")
	if err != nil {
		t.Fatalf("Second RequestInstall failed: %v", err)
	}
	if second.Name != first.Name {
		t.Errorf("Expected same record, got %s", second.Name)
	}
	if second.UsageCount != 2 {
		t.Errorf("Expected usage count 2, got %d", second.UsageCount)
	}
}

func TestApproveInstalls(t *testing.T) {
	m, _, inst, hub := newTestManager(t)

	events, cancel := hub.Subscribe(broadcast.ChannelChat)
	defer cancel()

	m.RequestInstall(context.Background(), "requests", "", "worker-1")
	if _, err := m.Approve("requests"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	pkg := waitStatus(t, m, "requests", models.PackageStatusInstalled)
	if pkg.InstalledAt == nil {
		t.Error("installed_at not stamped")
	}

	inst.mu.Lock()
	present := inst.installed["requests"]
	inst.mu.Unlock()
	if !present {
		t.Error("Installer never ran")
	}

	select {
	case ev := <-events:
		if ev.Type != broadcast.TypePackageInstalled {
			t.Errorf("Expected package_installed event, got %s", ev.Type)
		}
	case <-time.After(time.Second):
		t.Error("No install event published")
	}
}

func TestInstallFailure(t *testing.T) {
	m, _, inst, _ := newTestManager(t)
	inst.failWith = errors.New("no matching distribution")

	m.RequestInstall(context.Background(), "brokenlib", "", "worker-1")
	if _, err := m.Approve("brokenlib"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}

	pkg := waitStatus(t, m, "brokenlib", models.PackageStatusFailed)
	if pkg.Error == "" {
		t.Error("Failure reason not recorded")
	}

	// Retry after the cause is fixed.
	inst.failWith = nil
	if _, err := m.Retry("brokenlib"); err != nil {
		t.Fatalf("Retry failed: %v", err)
	}
	waitStatus(t, m, "brokenlib", models.PackageStatusInstalled)
}

func TestDenyAndRetryRules(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.RequestInstall(context.Background(), "sketchy", "", "worker-1")

	// Retry before any decision is an invalid transition.
	if _, err := m.Retry("sketchy"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for retry from pending, got %v", err)
	}

	pkg, err := m.Deny("sketchy")
	if err != nil {
		t.Fatalf("Deny failed: %v", err)
	}
	if pkg.Status != models.PackageStatusDenied {
		t.Errorf("Expected denied, got %s", pkg.Status)
	}

	// Denied packages may be reconsidered.
	if _, err := m.Retry("sketchy"); err != nil {
		t.Fatalf("Retry from denied failed: %v", err)
	}
	waitStatus(t, m, "sketchy", models.PackageStatusInstalled)
}

func TestConcurrentApproveDenyOneWinner(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	m.RequestInstall(context.Background(), "contested", "", "worker-1")

	var wg sync.WaitGroup
	wins := make(chan string, 2)

	wg.Add(2)
	go func() {
		defer wg.Done()
		if _, err := m.Approve("contested"); err == nil {
			wins <- "approve"
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Unexpected approve error: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if _, err := m.Deny("contested"); err == nil {
			wins <- "deny"
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Unexpected deny error: %v", err)
		}
	}()
	wg.Wait()
	close(wins)

	count := 0
	for range wins {
		count++
	}
	if count != 1 {
		t.Errorf("Expected exactly one winning decision, got %d", count)
	}
}

func TestUninstall(t *testing.T) {
	m, _, inst, _ := newTestManager(t)

	m.RequestInstall(context.Background(), "requests", "", "worker-1")
	m.Approve("requests")
	waitStatus(t, m, "requests", models.PackageStatusInstalled)

	pkg, err := m.Uninstall("requests")
	if err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if pkg.Status != models.PackageStatusUninstalled {
		t.Errorf("Expected uninstalled, got %s", pkg.Status)
	}

	inst.mu.Lock()
	present := inst.installed["requests"]
	inst.mu.Unlock()
	if present {
		t.Error("Installer never removed the package")
	}

	// Uninstalling again is an invalid transition.
	if _, err := m.Uninstall("requests"); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}
}

func TestUninstallFailureAttachesError(t *testing.T) {
	m, _, inst, _ := newTestManager(t)

	m.RequestInstall(context.Background(), "requests", "", "worker-1")
	m.Approve("requests")
	waitStatus(t, m, "requests", models.PackageStatusInstalled)

	inst.failWith = errors.New("permission denied")
	pkg, err := m.Uninstall("requests")
	if err != nil {
		t.Fatalf("Uninstall failed: %v", err)
	}
	if pkg.Status != models.PackageStatusUninstalled {
		t.Errorf("Expected uninstalled, got %s", pkg.Status)
	}
	if pkg.Error == "" {
		t.Error("Tool failure not attached to the returned record")
	}

	// The stored record carries the failure too, for the next Sync to see.
	stored, err := m.Get("requests")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if stored.Error == "" {
		t.Error("Tool failure not attached to the stored record")
	}
}

func TestInstallLifecycleOnLogsChannel(t *testing.T) {
	m, _, inst, hub := newTestManager(t)
	inst.failWith = errors.New("no matching distribution")

	events, cancel := hub.Subscribe(broadcast.ChannelLogs)
	defer cancel()

	m.RequestInstall(context.Background(), "brokenlib", "", "worker-1")
	if _, err := m.Approve("brokenlib"); err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	waitStatus(t, m, "brokenlib", models.PackageStatusFailed)

	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			payload, ok := ev.Payload.(broadcast.LogPayload)
			if !ok {
				t.Fatalf("Unexpected payload type: %T", ev.Payload)
			}
			if payload.Source == "approval" && payload.Level == "error" {
				return
			}
		case <-deadline:
			t.Fatal("No approval log event observed on the logs channel")
		}
	}
}

func TestSyncReconcilesDrift(t *testing.T) {
	m, _, inst, _ := newTestManager(t)

	// One package the manager installed itself.
	m.RequestInstall(context.Background(), "requests", "", "worker-1")
	m.Approve("requests")
	waitStatus(t, m, "requests", models.PackageStatusInstalled)

	// Drift: something appeared out-of-band, and requests vanished.
	inst.setInstalled("sneaky", true)
	inst.setInstalled("requests", false)

	result, err := m.Sync(context.Background())
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if len(result.Added) != 1 || result.Added[0].Name != "sneaky" {
		t.Errorf("Expected sneaky added, got %+v", result.Added)
	}
	if len(result.Removed) != 1 || result.Removed[0].Name != "requests" {
		t.Errorf("Expected requests removed, got %+v", result.Removed)
	}

	sneaky, _ := m.Get("sneaky")
	if sneaky.Status != models.PackageStatusInstalled {
		t.Errorf("Expected sneaky installed, got %s", sneaky.Status)
	}
	gone, _ := m.Get("requests")
	if gone.Status != models.PackageStatusUninstalled {
		t.Errorf("Expected requests uninstalled, got %s", gone.Status)
	}

	// A second sync with no changes is a no-op.
	result, err = m.Sync(context.Background())
	if err != nil {
		t.Fatalf("Second Sync failed: %v", err)
	}
	if len(result.Added) != 0 || len(result.Removed) != 0 {
		t.Errorf("Expected clean sync, got %+v", result)
	}
}

func TestGetUnknownPackage(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	if _, err := m.Get("nope"); !errors.Is(err, ErrPackageNotFound) {
		t.Errorf("Expected ErrPackageNotFound, got %v", err)
	}
}

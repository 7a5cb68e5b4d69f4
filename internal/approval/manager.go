// Package approval owns the package-installation lifecycle. Installation of
// any third-party dependency is gated by an explicit human approve; the
// state machine is:
//
//	pending  --approve-->  approved --install ok-->  installed
//	pending  --deny----->  denied       approved --install err--> failed
//	installed --uninstall--> uninstalled
//	{failed, uninstalled, denied} --retry--> approved
//
// Every transition is a single atomic check-and-set in the store, so two
// racing callers resolve to exactly one winner.
package approval

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/mlowden/strand/internal/audit"
	"github.com/mlowden/strand/internal/broadcast"
	"github.com/mlowden/strand/internal/installer"
	"github.com/mlowden/strand/internal/models"
	"github.com/mlowden/strand/internal/pkgindex"
	"github.com/mlowden/strand/internal/store"
)

// Sentinel errors surfaced to callers.
var (
	ErrPackageNotFound   = errors.New("package not found")
	ErrInvalidTransition = store.ErrInvalidTransition
)

// SyncResult holds the drift deltas produced by Sync.
type SyncResult struct {
	Added   []models.Package `json:"added"`
	Removed []models.Package `json:"removed"`
}

// Manager drives the package approval state machine.
type Manager struct {
	store *store.Store
	index pkgindex.Index
	inst  installer.Installer
	hub   *broadcast.Hub
	logs  *broadcast.LogSink
	audit *audit.Writer

	installTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an approval manager.
func New(s *store.Store, index pkgindex.Index, inst installer.Installer, hub *broadcast.Hub, auditor *audit.Writer) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		store:          s,
		index:          index,
		inst:           inst,
		hub:            hub,
		logs:           hub.NewLogSink("approval"),
		audit:          auditor,
		installTimeout: 5 * time.Minute,
		ctx:            ctx,
		cancel:         cancel,
	}
}

// Stop waits for in-flight install work to finish.
func (m *Manager) Stop() {
	m.cancel()
	m.wg.Wait()
}

// List returns all package records.
func (m *Manager) List() ([]models.Package, error) {
	return m.store.ListPackages()
}

// Get returns one package record by name.
func (m *Manager) Get(name string) (*models.Package, error) {
	pkg, err := m.store.GetPackage(name)
	if err != nil {
		return nil, err
	}
	if pkg == nil {
		return nil, ErrPackageNotFound
	}
	return pkg, nil
}

// RequestInstall creates a pending package record, attaching advisory
// metadata from the index. Requests are idempotent by name: an existing
// record is surfaced (with its usage counter bumped) rather than
// duplicated, whatever state it is in.
func (m *Manager) RequestInstall(ctx context.Context, name, reason, requestedBy string) (*models.Package, error) {
	metadata, err := m.index.Lookup(ctx, name)
	if err != nil {
		// Advisory only: a failed lookup never blocks the request.
		log.Printf("Package index lookup for %s failed: %v", name, err)
	}

	pkg, err := m.store.CreatePackage(name, reason, requestedBy, metadata)
	if err == nil {
		m.audit.Record(audit.ActionPackageRequest, map[string]string{"name": name, "requested_by": requestedBy}, "pending", name, reason)
		return pkg, nil
	}
	if !errors.Is(err, store.ErrPackageExists) {
		return nil, err
	}

	if err := m.store.BumpPackageUsage(name); err != nil {
		return nil, err
	}
	return m.Get(name)
}

// Approve moves a pending package to approved and starts the asynchronous
// install step. Racing approve/deny calls resolve to exactly one winner.
func (m *Manager) Approve(name string) (*models.Package, error) {
	pkg, err := m.transition(name, models.PackageStatusApproved, "", models.PackageStatusPending)
	if err != nil {
		return nil, err
	}
	m.audit.Record(audit.ActionPackageApprove, map[string]string{"name": name}, "approved", name, "")
	m.startInstall(name)
	return pkg, nil
}

// Deny rejects a pending package.
func (m *Manager) Deny(name string) (*models.Package, error) {
	pkg, err := m.transition(name, models.PackageStatusDenied, "", models.PackageStatusPending)
	if err != nil {
		return nil, err
	}
	m.audit.Record(audit.ActionPackageDeny, map[string]string{"name": name}, "denied", name, "")
	return pkg, nil
}

// Uninstall removes an installed package from the environment. The record
// is claimed first so a concurrent uninstall cannot run the tool twice; if
// the tool then fails, the error is attached and the next Sync reconciles.
func (m *Manager) Uninstall(name string) (*models.Package, error) {
	pkg, err := m.transition(name, models.PackageStatusUninstalled, "", models.PackageStatusInstalled)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(m.ctx, m.installTimeout)
	defer cancel()
	if err := m.inst.Uninstall(ctx, name); err != nil {
		log.Printf("Uninstall of %s failed: %v", name, err)
		m.logs.Errorf("uninstall of %s failed: %v", name, err)
		m.audit.Record(audit.ActionPackageUninstall, map[string]string{"name": name}, "error", name, err.Error())
		updated, recErr := m.transition(name, models.PackageStatusUninstalled, err.Error(), models.PackageStatusUninstalled)
		if recErr != nil {
			log.Printf("Recording uninstall failure for %s: %v", name, recErr)
			return pkg, nil
		}
		return updated, nil
	}

	m.logs.Infof("uninstalled package %s", name)
	m.audit.Record(audit.ActionPackageUninstall, map[string]string{"name": name}, "uninstalled", name, "")
	return pkg, nil
}

// Retry re-approves a failed, uninstalled, or denied package and starts a
// fresh install attempt. Retry from pending is an invalid transition: the
// first decision has not been made yet.
func (m *Manager) Retry(name string) (*models.Package, error) {
	pkg, err := m.transition(name, models.PackageStatusApproved, "",
		models.PackageStatusFailed, models.PackageStatusUninstalled, models.PackageStatusDenied)
	if err != nil {
		return nil, err
	}
	m.audit.Record(audit.ActionPackageRetry, map[string]string{"name": name}, "approved", name, "")
	m.startInstall(name)
	return pkg, nil
}

// Sync reconciles the recorded package states against the environment's
// actual installed set. Packages present in the environment but not
// recorded as installed surface as added; records marked installed whose
// package has vanished surface as removed.
func (m *Manager) Sync(ctx context.Context) (*SyncResult, error) {
	installed, err := m.inst.List(ctx)
	if err != nil {
		return nil, err
	}
	installedSet := make(map[string]bool, len(installed))
	for _, name := range installed {
		installedSet[name] = true
	}

	records, err := m.store.ListPackages()
	if err != nil {
		return nil, err
	}
	recorded := make(map[string]models.PackageStatus, len(records))
	for _, rec := range records {
		recorded[rec.Name] = rec.Status
	}

	result := &SyncResult{}

	for _, name := range installed {
		if recorded[name] == models.PackageStatusInstalled {
			continue
		}
		meta, lookupErr := m.index.Lookup(ctx, name)
		if lookupErr != nil {
			meta = pkgindex.Unknown()
		}
		pkg, err := m.store.RecordDriftPackage(name, models.PackageStatusInstalled, meta)
		if err != nil {
			return nil, err
		}
		result.Added = append(result.Added, *pkg)
	}

	for _, rec := range records {
		if rec.Status != models.PackageStatusInstalled || installedSet[rec.Name] {
			continue
		}
		pkg, err := m.store.RecordDriftPackage(rec.Name, models.PackageStatusUninstalled, rec.Metadata)
		if err != nil {
			return nil, err
		}
		result.Removed = append(result.Removed, *pkg)
	}

	if len(result.Added) > 0 || len(result.Removed) > 0 {
		m.logs.Infof("sync reconciled drift: %d added, %d removed", len(result.Added), len(result.Removed))
	}
	m.audit.Record(audit.ActionPackageSync, map[string]int{"added": len(result.Added), "removed": len(result.Removed)}, "success", "", "")
	return result, nil
}

// startInstall runs the install step for an approved package in the
// background and finalizes the record when it reports back.
func (m *Manager) startInstall(name string) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		ctx, cancel := context.WithTimeout(m.ctx, m.installTimeout)
		defer cancel()

		if err := m.inst.Install(ctx, name); err != nil {
			m.finishInstall(name, err)
			return
		}
		m.finishInstall(name, nil)
	}()
}

func (m *Manager) finishInstall(name string, installErr error) {
	if installErr != nil {
		if _, err := m.transition(name, models.PackageStatusFailed, installErr.Error(), models.PackageStatusApproved); err != nil {
			log.Printf("Recording install failure for %s: %v", name, err)
			return
		}
		m.logs.Errorf("install of %s failed: %v", name, installErr)
		m.audit.Record(audit.ActionPackageInstall, map[string]string{"name": name}, "failed", name, installErr.Error())
		m.hub.Publish(broadcast.Event{
			Type:    broadcast.TypePackageFailed,
			Channel: broadcast.ChannelChat,
			Payload: map[string]string{"package_name": name, "error": installErr.Error()},
		})
		return
	}

	if _, err := m.transition(name, models.PackageStatusInstalled, "", models.PackageStatusApproved); err != nil {
		log.Printf("Recording install success for %s: %v", name, err)
		return
	}
	m.logs.Infof("installed package %s", name)
	m.audit.Record(audit.ActionPackageInstall, map[string]string{"name": name}, "installed", name, "")
	m.hub.Publish(broadcast.Event{
		Type:    broadcast.TypePackageInstalled,
		Channel: broadcast.ChannelChat,
		Payload: map[string]string{"package_name": name},
	})
}

func (m *Manager) transition(name string, to models.PackageStatus, errMsg string, from ...models.PackageStatus) (*models.Package, error) {
	pkg, err := m.store.TransitionPackage(name, to, errMsg, from...)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrPackageNotFound
		}
		return nil, err
	}
	return pkg, nil
}

package store

import (
	"errors"
	"sync"
	"testing"

	"github.com/mlowden/strand/internal/models"
)

func testMetadata() models.PackageMetadata {
	return models.PackageMetadata{
		SafetyScore: 80,
		SafetyLevel: models.SafetyLow,
		Version:     "1.2.3",
	}
}

func TestPackageLifecycle(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	pkg, err := s.CreatePackage("requests", "http client", "worker-1", testMetadata())
	if err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}
	if pkg.Status != models.PackageStatusPending {
		t.Errorf("Expected pending, got %s", pkg.Status)
	}
	if pkg.UsageCount != 1 {
		t.Errorf("Expected usage count 1, got %d", pkg.UsageCount)
	}

	// pending -> approved
	pkg, err = s.TransitionPackage("requests", models.PackageStatusApproved, "", models.PackageStatusPending)
	if err != nil {
		t.Fatalf("Approve transition failed: %v", err)
	}
	if pkg.ApprovedAt == nil {
		t.Error("approved_at not stamped")
	}

	// approved -> installed
	pkg, err = s.TransitionPackage("requests", models.PackageStatusInstalled, "", models.PackageStatusApproved)
	if err != nil {
		t.Fatalf("Install transition failed: %v", err)
	}
	if pkg.InstalledAt == nil {
		t.Error("installed_at not stamped")
	}

	// installed -> uninstalled
	if _, err = s.TransitionPackage("requests", models.PackageStatusUninstalled, "", models.PackageStatusInstalled); err != nil {
		t.Fatalf("Uninstall transition failed: %v", err)
	}
}

func TestPackageInvalidTransitions(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.CreatePackage("numpy", "", "worker-1", testMetadata())

	// Installing straight from pending skips the approval gate.
	if _, err := s.TransitionPackage("numpy", models.PackageStatusInstalled, "", models.PackageStatusApproved); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition, got %v", err)
	}

	// Retry from pending: the first decision has not been made yet.
	if _, err := s.TransitionPackage("numpy", models.PackageStatusApproved, "",
		models.PackageStatusFailed, models.PackageStatusUninstalled, models.PackageStatusDenied); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Expected ErrInvalidTransition for retry from pending, got %v", err)
	}

	// Unknown package surfaces NotFound, not InvalidTransition.
	if _, err := s.TransitionPackage("ghost", models.PackageStatusApproved, "", models.PackageStatusPending); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestPackageDuplicateCreate(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, err := s.CreatePackage("flask", "", "worker-1", testMetadata()); err != nil {
		t.Fatalf("CreatePackage failed: %v", err)
	}
	if _, err := s.CreatePackage("flask", "", "worker-2", testMetadata()); !errors.Is(err, ErrPackageExists) {
		t.Errorf("Expected ErrPackageExists, got %v", err)
	}

	if err := s.BumpPackageUsage("flask"); err != nil {
		t.Fatalf("BumpPackageUsage failed: %v", err)
	}
	pkg, _ := s.GetPackage("flask")
	if pkg.UsageCount != 2 {
		t.Errorf("Expected usage count 2, got %d", pkg.UsageCount)
	}
	if pkg.LastUsedAt == nil {
		t.Error("last_used_at not stamped")
	}
}

func TestConcurrentApproveDeny(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	s.CreatePackage("pandas", "", "worker-1", testMetadata())

	var wg sync.WaitGroup
	outcomes := make(chan models.PackageStatus, 2)

	decide := func(to models.PackageStatus) {
		defer wg.Done()
		if _, err := s.TransitionPackage("pandas", to, "", models.PackageStatusPending); err == nil {
			outcomes <- to
		} else if !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("Unexpected error: %v", err)
		}
	}

	wg.Add(2)
	go decide(models.PackageStatusApproved)
	go decide(models.PackageStatusDenied)
	wg.Wait()
	close(outcomes)

	winners := 0
	for range outcomes {
		winners++
	}
	if winners != 1 {
		t.Errorf("Expected exactly one winning decision, got %d", winners)
	}
}

func TestRecordDriftPackage(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	// Unknown package found installed in the environment.
	pkg, err := s.RecordDriftPackage("scipy", models.PackageStatusInstalled, testMetadata())
	if err != nil {
		t.Fatalf("RecordDriftPackage failed: %v", err)
	}
	if pkg.Status != models.PackageStatusInstalled {
		t.Errorf("Expected installed, got %s", pkg.Status)
	}
	if pkg.RequestedBy != "sync" {
		t.Errorf("Expected requested_by sync, got %s", pkg.RequestedBy)
	}

	// Recorded installed package vanished from the environment.
	pkg, err = s.RecordDriftPackage("scipy", models.PackageStatusUninstalled, testMetadata())
	if err != nil {
		t.Fatalf("RecordDriftPackage failed: %v", err)
	}
	if pkg.Status != models.PackageStatusUninstalled {
		t.Errorf("Expected uninstalled, got %s", pkg.Status)
	}
}

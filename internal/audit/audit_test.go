package audit

import (
	"path/filepath"
	"testing"

	"github.com/mlowden/strand/internal/store"
)

func newTestWriter(t *testing.T) *Writer {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewWriter(s)
}

func TestRecordAndRecent(t *testing.T) {
	w := newTestWriter(t)

	actions := []Action{ActionThreadCreate, ActionTaskSubmit, ActionTaskComplete}
	for _, action := range actions {
		rec, err := w.Record(action, map[string]string{"id": "t-1"}, "success", "t-1", "")
		if err != nil {
			t.Fatalf("Record(%s) failed: %v", action, err)
		}
		if rec.InputsHash == "" || rec.InputsHash == "unhashable" {
			t.Errorf("Record(%s): bad inputs hash %q", action, rec.InputsHash)
		}
	}

	recent, err := w.Recent(2)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(recent))
	}

	all, err := w.Recent(0)
	if err != nil {
		t.Fatalf("Recent failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(all))
	}
	seen := make(map[string]bool)
	for _, rec := range all {
		seen[rec.Action] = true
	}
	for _, action := range actions {
		if !seen[string(action)] {
			t.Errorf("Action %s missing from trail", action)
		}
	}
}

func TestDigestStable(t *testing.T) {
	a := Digest(map[string]string{"name": "requests", "requested_by": "worker-1"})
	b := Digest(map[string]string{"requested_by": "worker-1", "name": "requests"})
	if a != b {
		t.Errorf("Equal inputs produced different digests: %s vs %s", a, b)
	}

	c := Digest(map[string]string{"name": "other"})
	if a == c {
		t.Error("Different inputs produced the same digest")
	}

	// Unmarshalable inputs still produce a sentinel instead of failing.
	if got := Digest(func() {}); got != "unhashable" {
		t.Errorf("Expected unhashable sentinel, got %q", got)
	}
}

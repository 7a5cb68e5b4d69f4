// Package audit writes the decision trail for state-mutating actions.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"github.com/mlowden/strand/internal/store"
)

// Action names a state-mutating operation in dotted entity.verb form. The
// names are stable: stored records must stay queryable across releases.
type Action string

const (
	ActionThreadCreate   Action = "thread.create"
	ActionThreadMode     Action = "thread.mode"
	ActionThreadSettings Action = "thread.settings"
	ActionThreadDelete   Action = "thread.delete"

	ActionTaskSubmit   Action = "task.submit"
	ActionTaskDispatch Action = "task.dispatch"
	ActionTaskComplete Action = "task.complete"
	ActionTaskFail     Action = "task.fail"

	ActionPackageRequest   Action = "package.request"
	ActionPackageApprove   Action = "package.approve"
	ActionPackageDeny      Action = "package.deny"
	ActionPackageInstall   Action = "package.install"
	ActionPackageUninstall Action = "package.uninstall"
	ActionPackageRetry     Action = "package.retry"
	ActionPackageSync      Action = "package.sync"

	ActionToolDelete Action = "tool.delete"
)

// Writer appends decision records so every transition taken by the
// scheduler, the approval manager, and the API stays reconstructable.
type Writer struct {
	store *store.Store
}

// NewWriter creates a writer over the given store.
func NewWriter(s *store.Store) *Writer {
	return &Writer{store: s}
}

// Record appends one decision. Inputs are stored as a digest rather than
// verbatim: prompts and settings can hold user content that does not belong
// in the trail, while the digest still proves what the decision saw.
func (w *Writer) Record(action Action, inputs any, outcome, entityID, details string) (*store.DecisionRecord, error) {
	return w.store.WriteDecision(string(action), Digest(inputs), outcome, entityID, details)
}

// Recent returns the newest records, most recent first.
func (w *Writer) Recent(limit int) ([]store.DecisionRecord, error) {
	return w.store.RecentDecisions(limit)
}

// Digest hashes arbitrary decision inputs into a stable hex string.
// Map keys are sorted by the JSON encoder, so equal inputs always produce
// the same digest.
func Digest(inputs any) string {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "unhashable"
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

package controlplane

import (
	"errors"
	"net/http"

	"github.com/mlowden/strand/internal/approval"
	"github.com/mlowden/strand/internal/registry"
	"github.com/mlowden/strand/internal/scheduler"
	"github.com/mlowden/strand/internal/store"
	"github.com/mlowden/strand/internal/toolbox"
)

// httpStatus maps service-layer sentinel errors onto HTTP status codes.
// Anything unmapped is a 500.
func httpStatus(err error) int {
	switch {
	case errors.Is(err, registry.ErrThreadNotFound),
		errors.Is(err, scheduler.ErrThreadNotFound),
		errors.Is(err, scheduler.ErrTaskNotFound),
		errors.Is(err, approval.ErrPackageNotFound),
		errors.Is(err, toolbox.ErrToolNotFound),
		errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, store.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, store.ErrForbidden):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

package sync15

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/restmachine/weavesync/sync15/telemetry"
)

// ServiceStatus classifies how a sync went, for callers that schedule
// retries or surface auth prompts.
type ServiceStatus int

const (
	StatusOK ServiceStatus = iota
	StatusNetworkError
	StatusServiceError
	StatusAuthenticationError
	StatusBackedOff
	StatusInterrupted
	StatusOtherError
)

func (s ServiceStatus) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusNetworkError:
		return "network-error"
	case StatusServiceError:
		return "service-error"
	case StatusAuthenticationError:
		return "authentication-error"
	case StatusBackedOff:
		return "backed-off"
	case StatusInterrupted:
		return "interrupted"
	default:
		return "other-error"
	}
}

// ServiceStatusFromError maps an error to the status a scheduler cares
// about.
func ServiceStatusFromError(err error) ServiceStatus {
	if err == nil {
		return StatusOK
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusInterrupted
	}
	var tsErr *TokenserverHTTPError
	if errors.As(err, &tsErr) {
		if tsErr.Status == http.StatusUnauthorized {
			return StatusAuthenticationError
		}
		return StatusServiceError
	}
	var boErr *BackoffError
	if errors.As(err, &boErr) {
		return StatusServiceError
	}
	var stErr *StorageHTTPError
	if errors.As(err, &stErr) {
		if stErr.Status == http.StatusUnauthorized {
			return StatusAuthenticationError
		}
		return StatusServiceError
	}
	return StatusOtherError
}

// SyncResult is the outcome of one sync session across any number of
// engines.
type SyncResult struct {
	ServiceStatus ServiceStatus
	Declined      []string
	Err           error
	EngineResults map[string]error
	Telemetry     *telemetry.SyncTelemetryPing
	NextSyncAfter *time.Time
}

func backoffFromError(err error) (time.Time, bool) {
	var boErr *BackoffError
	if errors.As(err, &boErr) {
		return boErr.After, true
	}
	return time.Time{}, false
}

// setSyncAfter folds the session's backoff requests into one next-allowed
// time, nil when syncing again immediately is fine.
func (r *SyncResult) setSyncAfter(serverBackoff time.Time, now time.Time) {
	best := serverBackoff
	if t, ok := backoffFromError(r.Err); ok && t.After(best) {
		best = t
	}
	for _, res := range r.EngineResults {
		if t, ok := backoffFromError(res); ok && t.After(best) {
			best = t
		}
	}
	if best.After(now) {
		r.NextSyncAfter = &best
	} else {
		r.NextSyncAfter = nil
	}
}

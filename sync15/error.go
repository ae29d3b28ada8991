package sync15

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for stable error mapping across the engine, in the spirit
// of the rest of this repository: callers match with errors.Is and decide
// retry/backoff/give-up policy themselves.
var (
	// ErrHmacMismatch indicates an HMAC verification failure on an encrypted
	// payload. Malformed HMAC hex is deliberately reported as the same error
	// so parsing failures are indistinguishable from real mismatches.
	ErrHmacMismatch = errors.New("SHA256 HMAC mismatch")

	// ErrClientUpgradeRequired indicates the server storage version is newer
	// than this client supports. Not retryable.
	ErrClientUpgradeRequired = errors.New("client upgrade required; server storage version too new")

	// ErrSetupRace indicates another client appears to be setting up storage
	// concurrently. Retryable later.
	ErrSetupRace = errors.New("another client is setting up storage; try again later")

	// ErrSetupRequired indicates storage needs setting up but the state
	// machine was not allowed to do it (fast or read-only sync).
	ErrSetupRequired = errors.New("storage needs setup and we are not allowed to perform it")

	// ErrStorageReset indicates the server has reset storage for this
	// account and local sync bookkeeping must be rebuilt.
	ErrStorageReset = errors.New("server has reset the storage for this account")

	// ErrRecordTooLarge indicates a single outgoing record cannot fit in any
	// upload batch.
	ErrRecordTooLarge = errors.New("outgoing record is too large to upload")

	// ErrRecordUploadFailed indicates the server rejected records during an
	// upload that did not allow dropped records.
	ErrRecordUploadFailed = errors.New("not all records were successfully uploaded")

	// ErrMissingServerTimestamp indicates a successful response without an
	// X-Last-Modified header, which the protocol requires.
	ErrMissingServerTimestamp = errors.New("missing server timestamp header in response")
)

// BadKeyLengthError reports a key buffer of the wrong size.
type BadKeyLengthError struct {
	Name string
	Got  int
	Want int
}

func (e *BadKeyLengthError) Error() string {
	return fmt.Sprintf("key %s had wrong length, got %d, expected %d", e.Name, e.Got, e.Want)
}

// StorageHTTPError is a non-success response from the storage server.
type StorageHTTPError struct {
	Status int
	Route  string
}

func (e *StorageHTTPError) Error() string {
	return fmt.Sprintf("storage HTTP error: status %d on %q", e.Status, e.Route)
}

// IsNotFound reports whether err is a 404 from the storage server.
func IsNotFound(err error) bool { return httpStatusIs(err, 404) }

// IsUnauthorized reports whether err is a 401 from the storage server.
// The caller must refresh credentials and restart from scratch.
func IsUnauthorized(err error) bool { return httpStatusIs(err, 401) }

// IsPreconditionFailed reports whether err is a 412, i.e. the
// X-If-Unmodified-Since compare-and-swap failed because someone else wrote
// to the collection. Retryable by redoing the whole collection sync.
func IsPreconditionFailed(err error) bool { return httpStatusIs(err, 412) }

func httpStatusIs(err error, status int) bool {
	var he *StorageHTTPError
	return errors.As(err, &he) && he.Status == status
}

// TokenserverHTTPError is a non-success response from the tokenserver.
type TokenserverHTTPError struct {
	Status int
}

func (e *TokenserverHTTPError) Error() string {
	return fmt.Sprintf("HTTP status %d when requesting a token from the tokenserver", e.Status)
}

// BackoffError tells the caller to suspend all sync activity until After.
type BackoffError struct {
	After time.Time
}

func (e *BackoffError) Error() string {
	return fmt.Sprintf("server requested backoff; retry after %v", e.After)
}

// BatchProblemError reports unexpected server behavior during batch upload.
type BatchProblemError struct {
	Reason string
}

func (e *BatchProblemError) Error() string {
	return fmt.Sprintf("unexpected server behavior during batch upload: %s", e.Reason)
}

// StoreError wraps an error returned by a Store implementation so the caller
// can tell engine failures from store-contract failures.
type StoreError struct {
	Err error
}

func (e *StoreError) Error() string { return fmt.Sprintf("store error: %v", e.Err) }
func (e *StoreError) Unwrap() error { return e.Err }

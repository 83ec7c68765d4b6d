package translate

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a backend failure. The kind decides the escalation
// step: rate limits back off parallelism, generic failures try the fallback
// model, auth failures surface immediately with remediation advice.
type ErrorKind int

const (
	// KindExec covers process-level failures: nonzero exit without a more
	// specific signature, or a failed spawn.
	KindExec ErrorKind = iota
	// KindAuth is an authentication failure. User-actionable, never retried.
	KindAuth
	// KindRateLimit is a rate-limit rejection.
	KindRateLimit
	// KindUnparseable means the backend exited cleanly but produced no
	// verifiable rows.
	KindUnparseable
	// KindIncomplete means verified rows were produced but some requested
	// ids stayed missing after every retry tier.
	KindIncomplete
)

func (k ErrorKind) String() string {
	switch k {
	case KindExec:
		return "Exec"
	case KindAuth:
		return "Auth"
	case KindRateLimit:
		return "RateLimit"
	case KindUnparseable:
		return "Unparseable"
	case KindIncomplete:
		return "Incomplete"
	default:
		return "Unknown"
	}
}

// BackendError is a failure of the external translation backend.
type BackendError struct {
	Kind    ErrorKind
	Backend string
	Detail  string
	LogPath string
	Cause   error
}

func (e *BackendError) Error() string {
	msg := fmt.Sprintf("%s backend %s failure: %s", e.Backend, e.Kind, e.Detail)
	if e.LogPath != "" {
		msg += "; see " + e.LogPath
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *BackendError) Unwrap() error {
	return e.Cause
}

// Advice returns remediation guidance for the failure kind.
func (e *BackendError) Advice() string {
	switch e.Kind {
	case KindAuth:
		return "Check the backend credentials (API key or login session) and retry"
	case KindRateLimit:
		return "The backend is rate limited; rerun later or lower --jobs-chunks"
	case KindUnparseable:
		return "The backend returned no verifiable rows; inspect the log file and consider a smaller --chunk-cues"
	case KindIncomplete:
		return "Some cues stayed untranslated after retries; rerun to resume from the chunk cache"
	default:
		return "Inspect the log file for backend process output"
	}
}

// IsKind reports whether err is a BackendError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Kind == kind
}

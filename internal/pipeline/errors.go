package pipeline

import "fmt"

// ResolutionError is a provider resolution failure. Fatal for the episode,
// never retried: the provider's state is assumed stable within a run.
type ResolutionError struct {
	AssetID string
	Cause   error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolve asset %s: %v", e.AssetID, e.Cause)
}

func (e *ResolutionError) Unwrap() error { return e.Cause }

// MediaIntegrityError means a cached or freshly downloaded video failed its
// integrity probe. The orchestrator deletes the file and retries the
// download exactly once before surfacing this.
type MediaIntegrityError struct {
	Path   string
	Detail string
}

func (e *MediaIntegrityError) Error() string {
	return fmt.Sprintf("media integrity: %s: %s", e.Path, e.Detail)
}

// TranscriptionError wraps an ASR failure. Recoverable failures (signatures
// of corrupt or truncated media) entitle the episode to one forced video
// re-download and one retry.
type TranscriptionError struct {
	Recoverable bool
	Cause       error
}

func (e *TranscriptionError) Error() string {
	if e.Recoverable {
		return fmt.Sprintf("transcription failed (recoverable): %v", e.Cause)
	}
	return fmt.Sprintf("transcription failed: %v", e.Cause)
}

func (e *TranscriptionError) Unwrap() error { return e.Cause }

// MuxError is a container assembly failure. Fatal.
type MuxError struct {
	OutPath string
	Cause   error
}

func (e *MuxError) Error() string {
	return fmt.Sprintf("mux %s: %v", e.OutPath, e.Cause)
}

func (e *MuxError) Unwrap() error { return e.Cause }

// Package progress defines the event records the long-running operations
// emit. A front end (CLI, GUI, service) subscribes by passing a Func; the
// core packages never hold any UI state. Events are immutable once emitted.
package progress

import "time"

// Kind identifies what an Event describes.
type Kind int

const (
	KindUnknown Kind = iota

	// directory scanning and validation
	KindScanDir
	KindValidateDir

	// package assembly
	KindPackageBuilt
	KindPackageSkipped
	KindDirDone
	KindDirFailed

	// uploads
	KindFileSent
	KindChunkSent
	KindRetry
	KindFinalized
	KindUploadFailed
)

func (k Kind) String() string {
	switch k {
	case KindScanDir:
		return "scan"
	case KindValidateDir:
		return "validate"
	case KindPackageBuilt:
		return "package"
	case KindPackageSkipped:
		return "skipped"
	case KindDirDone:
		return "done"
	case KindDirFailed:
		return "failed"
	case KindFileSent:
		return "sent"
	case KindChunkSent:
		return "chunk"
	case KindRetry:
		return "retry"
	case KindFinalized:
		return "finalized"
	case KindUploadFailed:
		return "upload-failed"
	}
	return "unknown"
}

// An Event is one discrete progress record.
type Event struct {
	Time   time.Time
	Kind   Kind
	Path   string // directory, package, or object this event is about
	Detail string // extra human-readable context, may be empty
	Err    error  // set when the event reports a failure
}

// Func receives events. Implementations must not block for long; emission
// happens on the worker goroutines.
type Func func(Event)

// Send emits an event through f, if f is non-nil. The timestamp is filled
// in here so callers don't have to.
func (f Func) Send(kind Kind, path, detail string, err error) {
	if f == nil {
		return
	}
	f(Event{Time: time.Now(), Kind: kind, Path: path, Detail: detail, Err: err})
}

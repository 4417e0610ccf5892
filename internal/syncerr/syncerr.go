// Package syncerr classifies the failures a sync run can hit.
//
// Every error surfaced by the manifest client, the stager, the installer and
// the engine wraps one of the sentinel kinds below, so callers branch with
// errors.Is instead of matching strings.
package syncerr

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel kinds. Use errors.Is(err, ErrXxx) to classify.
var (
	// ErrNetwork covers manifest or artifact transfer failures.
	ErrNetwork = errors.New("network error")

	// ErrParse indicates a malformed or empty manifest body.
	ErrParse = errors.New("malformed manifest")

	// ErrIO covers local read, write and create failures.
	ErrIO = errors.New("filesystem error")

	// ErrCorrupt indicates an artifact that failed to decode or verify.
	ErrCorrupt = errors.New("corrupt artifact")

	// ErrNotFound indicates the installation root is missing.
	ErrNotFound = errors.New("installation not found")

	// ErrCanceled indicates the run was canceled between plan entries.
	ErrCanceled = errors.New("sync canceled")
)

// Error wraps an underlying error with its classification.
type Error struct {
	// Kind is one of the sentinel errors above.
	Kind error
	// Op is the step that failed, e.g. "fetch manifest", "stage", "install".
	Op string
	// Key is the manifest key or artifact name involved, if any.
	Key string
	// Err is the underlying error.
	Err error
}

func (e *Error) Error() string {
	switch {
	case e.Key != "" && e.Err != nil:
		return fmt.Sprintf("%s %s: %v: %v", e.Op, e.Key, e.Kind, e.Err)
	case e.Key != "":
		return fmt.Sprintf("%s %s: %v", e.Op, e.Key, e.Kind)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the error's kind.
func (e *Error) Is(target error) bool {
	return e.Kind == target
}

// New creates a classified error. A nil kind is treated as ErrIO.
func New(kind error, op, key string, err error) *Error {
	if kind == nil {
		kind = ErrIO
	}
	return &Error{Kind: kind, Op: op, Key: key, Err: err}
}

// Network wraps err as ErrNetwork.
func Network(op, key string, err error) error { return New(ErrNetwork, op, key, err) }

// Parse wraps err as ErrParse.
func Parse(op, key string, err error) error { return New(ErrParse, op, key, err) }

// IO wraps err as ErrIO.
func IO(op, key string, err error) error { return New(ErrIO, op, key, err) }

// Corrupt wraps err as ErrCorrupt.
func Corrupt(op, key string, err error) error { return New(ErrCorrupt, op, key, err) }

// kinds is ordered by precedence for KindOf.
var kinds = []error{ErrCanceled, ErrNotFound, ErrParse, ErrCorrupt, ErrNetwork, ErrIO}

// KindOf returns the sentinel kind of err, or nil when err is nil or
// unclassified. Context cancellation counts as ErrCanceled.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ErrCanceled
	}
	return nil
}

// Message returns the text shown to the user for err.
func Message(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return ""
		}
		return fmt.Sprintf("Sync failed: %v", err)
	case ErrNotFound:
		return "Unable to check for updates: cannot find installation. Check paths.install_dir in your config."
	case ErrNetwork:
		return fmt.Sprintf("There was an error contacting the update server: %v", err)
	case ErrParse:
		return fmt.Sprintf("The update server returned an unreadable file list: %v", err)
	case ErrCorrupt:
		return fmt.Sprintf("A downloaded file was damaged and could not be installed: %v", err)
	case ErrCanceled:
		return "The update was canceled before it finished."
	default:
		return fmt.Sprintf("There was an error writing game files: %v", err)
	}
}

// Exit codes used by the command line.
const (
	ExitGeneric  = 1
	ExitIO       = 20
	ExitCorrupt  = 21
	ExitNotFound = 22
	ExitNetwork  = 30
	ExitParse    = 31
	ExitCanceled = 130
)

// ExitCode maps err onto a process exit code. A nil error maps to 0.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	switch KindOf(err) {
	case ErrIO:
		return ExitIO
	case ErrCorrupt:
		return ExitCorrupt
	case ErrNotFound:
		return ExitNotFound
	case ErrNetwork:
		return ExitNetwork
	case ErrParse:
		return ExitParse
	case ErrCanceled:
		return ExitCanceled
	default:
		return ExitGeneric
	}
}

// KindName returns a short machine-readable name for err's kind.
func KindName(err error) string {
	switch KindOf(err) {
	case ErrNetwork:
		return "network"
	case ErrParse:
		return "parse"
	case ErrIO:
		return "io"
	case ErrCorrupt:
		return "corrupt"
	case ErrNotFound:
		return "not_found"
	case ErrCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

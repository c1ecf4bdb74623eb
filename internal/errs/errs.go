// Package errs defines the typed error kinds and exit codes that the store,
// compactor, indexer, and ingest sink surface to callers.
package errs

import (
	"fmt"

	"github.com/rotisserie/eris"
)

// Kind classifies an error for callers that need to react differently to
// different failure classes (retry, abort batch, surface to the user).
type Kind int

const (
	// KindIO covers filesystem and stream failures.
	KindIO Kind = iota
	// KindCorrupt covers unparseable headers and impossible offsets.
	KindCorrupt
	// KindQuota covers out-of-disk-space and mbox size cap failures.
	KindQuota
	// KindConcurrency covers folder-busy / semaphore-held failures.
	KindConcurrency
	// KindProtocol covers callers that invoke an API out of sequence.
	KindProtocol
	// KindUserAborted covers a scan or compaction callback returning false.
	KindUserAborted
	// KindPolicy covers virus-quarantine rejection and retention-listener
	// rejection.
	KindPolicy
)

func (k Kind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindCorrupt:
		return "corrupt"
	case KindQuota:
		return "quota"
	case KindConcurrency:
		return "concurrency"
	case KindProtocol:
		return "protocol"
	case KindUserAborted:
		return "user-aborted"
	case KindPolicy:
		return "policy"
	default:
		return "unknown"
	}
}

// Code is one of the exit/error codes surfaced to callers (spec §6).
type Code int

const (
	OK Code = iota
	FolderBusy
	FolderMissingSummary
	SummaryOutOfDate
	NotAMailFolder
	WritingMailFolder
	FileTooBig
	InsufficientSpace
	InvalidFolderName
	FolderExists
	CopyFolderAborted
	MessageNotOffline
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case FolderBusy:
		return "FolderBusy"
	case FolderMissingSummary:
		return "FolderMissingSummary"
	case SummaryOutOfDate:
		return "SummaryOutOfDate"
	case NotAMailFolder:
		return "NotAMailFolder"
	case WritingMailFolder:
		return "WritingMailFolder"
	case FileTooBig:
		return "FileTooBig"
	case InsufficientSpace:
		return "InsufficientSpace"
	case InvalidFolderName:
		return "InvalidFolderName"
	case FolderExists:
		return "FolderExists"
	case CopyFolderAborted:
		return "CopyFolderAborted"
	case MessageNotOffline:
		return "MessageNotOffline"
	default:
		return "Unknown"
	}
}

// Error is a kind-tagged, stack-traced error. The wrapped error (if any) is
// produced by eris so that %+v formatting includes a capture-site trace,
// matching how the rest of the ecosystem surfaces deep call-stack errors.
type Error struct {
	Kind Code
	K    Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

// New builds a *Error wrapping err with eris, stamping a capture-site stack
// trace. op should name the failing operation (e.g. "store.GetNewMsgOutputStream").
func New(op string, kind Kind, code Code, err error) *Error {
	var wrapped error
	if err != nil {
		wrapped = eris.Wrap(err, op)
	} else {
		wrapped = eris.New(op)
	}
	return &Error{Kind: code, K: kind, Op: op, err: wrapped}
}

// Is allows errors.Is(err, errs.Sentinel(errs.FolderBusy)) style matching
// against a Code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinel builds a code-only error for use with errors.Is comparisons, e.g.
//
//	return errs.Sentinel(errs.FolderBusy)
func Sentinel(code Code) *Error {
	return &Error{Kind: code, err: eris.New(code.String())}
}

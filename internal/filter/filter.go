// Package filter defines the collaborator interface the Ingest Sink
// consults once per newly published message (spec §4.9 step 4). The rule
// engine itself — rule storage, condition matching, the UI for authoring
// rules — is an external concern; this package only fixes the shape of one
// rule's outcome so the sink knows how to apply it.
package filter

import "github.com/mailkit/maildepot/internal/msghdr"

// Action is one outcome a rule can produce for a message.
type Action int

const (
	ActionNone Action = iota
	ActionMarkRead
	ActionMarkFlagged
	ActionAddKeyword
	ActionSetPriority
	ActionDelete
	ActionMoveToFolder
	ActionCopyToFolder
	ActionForward
	ActionReply
	ActionFetchBody
	ActionStopExecution
	ActionCustom
)

// Decision is one action a rule wants applied to a message. Only the
// field(s) relevant to Action are read by the sink; the rest are ignored.
type Decision struct {
	Action Action

	// Keyword is read for ActionAddKeyword.
	Keyword string
	// Priority is read for ActionSetPriority.
	Priority msghdr.Priority
	// Target is read for ActionMoveToFolder/ActionCopyToFolder.
	Target *msghdr.Folder

	// Custom is invoked for ActionForward, ActionReply, ActionFetchBody,
	// and ActionCustom: these require collaborators (an SMTP client, a
	// template engine, a server round-trip) this package has no business
	// owning, so the engine supplies the behavior and the sink just calls
	// it at the right point in the pipeline.
	Custom func(hdr *msghdr.MsgHdr) error
}

// Engine is consulted by the Ingest Sink after a message is published to
// its folder's index. Apply returns the ordered list of decisions to act
// on; the sink stops at the first ActionStopExecution.
type Engine interface {
	Apply(folder *msghdr.Folder, hdr *msghdr.MsgHdr) ([]Decision, error)
}

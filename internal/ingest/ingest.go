// Package ingest implements spec §4.9's Ingest Sink: accepting a stream of
// newly arriving messages from a delivery protocol, writing them through
// the store, indexing them inline, and running the filter engine over each
// one as it's published.
package ingest

import (
	"bytes"
	"io"
	"time"

	"github.com/mailkit/maildepot/internal/charset"
	"github.com/mailkit/maildepot/internal/config"
	"github.com/mailkit/maildepot/internal/errs"
	"github.com/mailkit/maildepot/internal/filter"
	"github.com/mailkit/maildepot/internal/headerstate"
	"github.com/mailkit/maildepot/internal/line"
	"github.com/mailkit/maildepot/internal/mozheader"
	"github.com/mailkit/maildepot/internal/msghdr"
	"github.com/mailkit/maildepot/internal/store"
)

// ingestHolder is the semaphore holder name a batch registers on its
// folder for its duration (spec §5).
const ingestHolder = "ingest"

// Sink runs incorporateBegin/incorporateWrite/incorporateComplete sessions
// against one account's store.
type Sink struct {
	db              *store.DB
	st              store.Store
	filterEngine    filter.Engine
	duplicatePolicy config.DuplicatePolicy
	customDBHeaders []string
}

// Option configures a Sink.
type Option func(*Sink)

// WithFilterEngine registers the external filter rule collaborator. Nil
// (the default) skips filtering entirely.
func WithFilterEngine(e filter.Engine) Option {
	return func(s *Sink) { s.filterEngine = e }
}

// WithDuplicatePolicy overrides the default (config.DuplicateKeep).
func WithDuplicatePolicy(p config.DuplicatePolicy) Option {
	return func(s *Sink) { s.duplicatePolicy = p }
}

// WithCustomDBHeaders registers additional header names to capture into
// each published MsgHdr's Properties bag.
func WithCustomDBHeaders(names []string) Option {
	return func(s *Sink) { s.customDBHeaders = names }
}

// New returns a Sink backed by db and st.
func New(db *store.DB, st store.Store, opts ...Option) *Sink {
	s := &Sink{db: db, st: st, duplicatePolicy: config.DuplicateKeep}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Result summarizes one completed batch, for the biff (new-mail
// notification) decision and for the caller's post-batch "run filter
// plugins over recipient folders" pass (spec §4.9 step 4).
type Result struct {
	NumNewMessages int64
	// TouchedFolders collects every folder a filter rule moved or copied a
	// message into during the batch, keyed by Path.
	TouchedFolders map[string]*msghdr.Folder
	// FilterRan records whether the filter engine was consulted for at
	// least one message; biff only fires when it never ran (spec §4.9:
	// "If the resulting count is positive and no filter ran").
	FilterRan bool
}

// ShouldRaiseBiff reports whether the batch should raise the folder's biff
// state to "NewMail".
func (r Result) ShouldRaiseBiff() bool {
	return r.NumNewMessages > 0 && !r.FilterRan
}

// Batch is one setFolder/beginMailDelivery session: a run of messages
// incorporated into a single folder, ended by endMailDelivery.
type Batch struct {
	sink           *Sink
	folder         *msghdr.Folder
	folderID       int64
	accountKey     string
	numNewMessages int64
	touchedFolders map[string]*msghdr.Folder
	filterRan      bool
}

// BeginBatch acquires folder's cooperative lock and starts a new ingest
// session against it (spec's `setPopServer`/`setFolder`/
// `beginMailDelivery` sequence, collapsed into one call since this package
// has no separate notion of a POP server).
func (s *Sink) BeginBatch(folder *msghdr.Folder, folderID int64, accountKey string) (*Batch, error) {
	if err := folder.AcquireSemaphore(ingestHolder); err != nil {
		return nil, err
	}
	return &Batch{
		sink:           s,
		folder:         folder,
		folderID:       folderID,
		accountKey:     accountKey,
		touchedFolders: make(map[string]*msghdr.Folder),
	}, nil
}

// End releases the folder's lock and returns the batch's summary
// (`endMailDelivery`).
func (b *Batch) End() Result {
	b.folder.ReleaseSemaphore()
	return Result{
		NumNewMessages: b.numNewMessages,
		TouchedFolders: b.touchedFolders,
		FilterRan:      b.filterRan,
	}
}

// Message is one message's incorporateBegin..incorporateComplete/Abort
// session.
type Message struct {
	batch *Batch
	hdr   *msghdr.MsgHdr
	out   store.OutputStream
	hs    *headerstate.State
	lr    *line.Reader
	raw   bytes.Buffer
	size  int64
}

// IncorporateBegin opens a new message append and writes the canonical
// leading metadata block (spec §4.9 step 2): account key, UIDL (if
// supplied), X-Mozilla-Status/Status2 headers carrying flags, and a
// space-padded empty X-Mozilla-Keys header, all fixed-width so ChangeFlags/
// ChangeKeywords can later rewrite them in place without growing.
//
// envelopeDate is the delivery protocol's own timestamp for this message,
// if it has one (e.g. a POP3 session's server-reported time); a zero value
// means none is available, and resolveDate falls through to the
// Received:-derived tier (spec §4.5).
func (b *Batch) IncorporateBegin(uidl string, flags msghdr.Flags, envelopeDate time.Time) (*Message, error) {
	hdr, out, err := b.sink.st.GetNewMsgOutputStream(b.folder)
	if err != nil {
		return nil, err
	}

	meta := mozheader.AccountKeyHeader + ": " + b.accountKey + "\r\n"
	if uidl != "" {
		meta += mozheader.UIDLHeader + ": " + uidl + "\r\n"
	}
	meta += mozheader.StatusHeader + ": " + mozheader.FormatStatus(flags, msghdr.PriorityNotSet) + "\r\n"
	meta += mozheader.Status2Header + ": " + mozheader.FormatStatus2(flags) + "\r\n"
	meta += mozheader.KeysHeader + ": " + mozheader.FormatKeywords(nil, mozheader.KeysFieldWidth) + "\r\n"

	if err := out.Write([]byte(meta)); err != nil {
		_ = b.sink.st.DiscardNewMessage(b.folder, out, hdr)
		return nil, err
	}

	hsOpts := []headerstate.Option{headerstate.WithCustomDBHeaders(b.sink.customDBHeaders)}
	if !envelopeDate.IsZero() {
		hsOpts = append(hsOpts, headerstate.WithEnvelopeDate(envelopeDate))
	}

	m := &Message{
		batch: b,
		hdr:   hdr,
		out:   out,
		hs:    headerstate.New(hsOpts...),
		lr:    line.NewReader(),
	}
	m.feed([]byte(meta))
	return m, nil
}

func (m *Message) feed(data []byte) {
	m.size += int64(len(data))
	m.raw.Write(data)
	m.lr.Feed(data, func(ln []byte) bool {
		m.hs.Feed(ln)
		return true
	})
}

// Write streams one chunk of the arriving message's bytes both to the
// output stream (for storage) and the header-state parser (for indexing),
// per spec §4.9 step 3.
func (m *Message) Write(data []byte) error {
	if err := m.out.Write(data); err != nil {
		return err
	}
	m.feed(data)
	return nil
}

// Abort rolls the in-progress message back (`incorporateAbort`).
func (m *Message) Abort() error {
	return m.batch.sink.st.DiscardNewMessage(m.batch.folder, m.out, m.hdr)
}

// Complete parses the fully-written message, applies duplicate-message
// policy and sticky-partial-header merge (spec §4.9 step 5), and only then
// commits the append and publishes the header to the database, so a
// discard policy never lands bytes in the live store at all. Runs the
// filter engine over the published message last (spec §4.9 step 4).
// Returns the published MsgHdr, or nil if duplicate policy discarded the
// message or the message was stored as expunged.
func (m *Message) Complete() (*msghdr.MsgHdr, error) {
	m.lr.Flush(func(ln []byte) bool {
		m.hs.Feed(ln)
		return true
	})
	m.hs.Flush()

	parsed, expunged := m.hs.Finalize(m.size)

	b := m.batch
	sink := b.sink

	if expunged {
		// Spec §4.5: emit no MsgHdr; the message's bytes are still
		// committed to the store (its space is reclaimed by a later
		// compaction, same as a message expunged after the fact), but
		// no index row is published and no filter runs over it.
		if err := sink.st.FinishNewMessage(b.folder, m.out, m.hdr); err != nil {
			return nil, err
		}
		b.folder.Accounting.ExpungedBytes += m.size
		if err := sink.db.UpdateAccounting(b.folderID, b.folder.Accounting); err != nil {
			return nil, errs.New("ingest.Complete", errs.KindIO, errs.OK, err)
		}
		return nil, nil
	}

	parsed.StoreToken = m.hdr.StoreToken
	parsed.MessageOffset = m.hdr.MessageOffset
	if parsed.Charset == "" {
		parsed.Charset = charset.Resolve("", m.raw.Bytes())
	}

	var prior *msghdr.MsgHdr
	if parsed.MessageID != "" {
		var err error
		prior, err = sink.db.MessageByMessageID(b.folderID, parsed.MessageID)
		if err != nil {
			_ = m.Abort()
			return nil, errs.New("ingest.Complete", errs.KindIO, errs.OK, err)
		}
	}

	if prior != nil && !prior.Flags.Has(msghdr.Partial) {
		if sink.duplicatePolicy == config.DuplicateDiscard {
			if err := m.Abort(); err != nil {
				return nil, err
			}
			return nil, nil
		}
		if sink.duplicatePolicy == config.DuplicateMarkRead {
			parsed.Flags = parsed.Flags.Set(msghdr.Read, true)
		}
		// DuplicateTrash without a known Trash folder target, and the
		// default DuplicateKeep, both fall through to publishing the
		// message normally.
	}

	if prior != nil && prior.Flags.Has(msghdr.Partial) {
		// The earlier partial header (header-only fetch) is superseded
		// by this full message: keep its msg_key so the index row is
		// replaced rather than duplicated.
		parsed.MsgKey = prior.MsgKey
	} else {
		nextKey, err := sink.db.NextMsgKey(b.folderID)
		if err != nil {
			_ = m.Abort()
			return nil, errs.New("ingest.Complete", errs.KindIO, errs.OK, err)
		}
		parsed.MsgKey = nextKey
	}

	if err := sink.st.FinishNewMessage(b.folder, m.out, m.hdr); err != nil {
		return nil, err
	}

	if err := sink.db.UpsertMessages(b.folderID, []*msghdr.MsgHdr{parsed}); err != nil {
		return nil, errs.New("ingest.Complete", errs.KindIO, errs.OK, err)
	}

	b.numNewMessages++

	if sink.filterEngine != nil {
		b.filterRan = true
		if err := sink.runFilters(b, parsed); err != nil {
			return parsed, err
		}
	}

	return parsed, nil
}

// runFilters applies the filter engine's decisions for one published
// message in order, stopping at the first ActionStopExecution.
func (s *Sink) runFilters(b *Batch, hdr *msghdr.MsgHdr) error {
	decisions, err := s.filterEngine.Apply(b.folder, hdr)
	if err != nil {
		return err
	}

	for _, d := range decisions {
		switch d.Action {
		case filter.ActionNone:
			continue
		case filter.ActionMarkRead:
			if err := s.st.ChangeFlags(b.folder, []*msghdr.MsgHdr{hdr}, msghdr.Read, true); err != nil {
				return err
			}
			if err := s.db.UpdateFlags(b.folderID, hdr.MsgKey, hdr.Flags); err != nil {
				return err
			}
			b.numNewMessages--
		case filter.ActionMarkFlagged:
			if err := s.st.ChangeFlags(b.folder, []*msghdr.MsgHdr{hdr}, msghdr.Marked, true); err != nil {
				return err
			}
			if err := s.db.UpdateFlags(b.folderID, hdr.MsgKey, hdr.Flags); err != nil {
				return err
			}
		case filter.ActionAddKeyword:
			keywords := append(append([]string{}, hdr.Keywords...), d.Keyword)
			if err := s.st.ChangeKeywords(b.folder, []*msghdr.MsgHdr{hdr}, []string{d.Keyword}, true); err != nil {
				return err
			}
			hdr.Keywords = keywords
			if err := s.db.UpdateKeywords(b.folderID, hdr.MsgKey, hdr.Keywords, hdr.GrowKeywords); err != nil {
				return err
			}
		case filter.ActionSetPriority:
			// Priority isn't covered by ChangeFlags' in-place rewrite;
			// it's picked up the next time this folder is compacted,
			// the same way an out-of-width keyword change defers to
			// compaction via GrowKeywords.
			hdr.Priority = d.Priority
		case filter.ActionDelete:
			if err := s.st.ChangeFlags(b.folder, []*msghdr.MsgHdr{hdr}, msghdr.Expunged, true); err != nil {
				return err
			}
			if err := s.db.UpdateFlags(b.folderID, hdr.MsgKey, hdr.Flags); err != nil {
				return err
			}
			b.numNewMessages--
		case filter.ActionMoveToFolder:
			if err := s.moveOrCopy(b, hdr, d.Target, true); err != nil {
				return err
			}
			b.numNewMessages--
		case filter.ActionCopyToFolder:
			if err := s.moveOrCopy(b, hdr, d.Target, false); err != nil {
				return err
			}
		case filter.ActionForward, filter.ActionReply, filter.ActionFetchBody, filter.ActionCustom:
			if d.Custom != nil {
				if err := d.Custom(hdr); err != nil {
					return err
				}
			}
		case filter.ActionStopExecution:
			return nil
		}
	}
	return nil
}

// moveOrCopy relocates hdr into target, falling back to a stream copy when
// the store can't do it natively (spec §6: mbox "reports store did not do
// the copy"). target is recorded in the batch's touched-folder set for the
// caller's post-batch filter-plugin pass.
func (s *Sink) moveOrCopy(b *Batch, hdr *msghdr.MsgHdr, target *msghdr.Folder, move bool) error {
	if target == nil {
		return errs.New("ingest.moveOrCopy", errs.KindProtocol, errs.OK, nil)
	}
	b.touchedFolders[target.Path] = target

	err := s.st.CopyMessages(move, b.folder, []*msghdr.MsgHdr{hdr}, target)
	if err == nil {
		return nil
	}
	if err != store.ErrCopyNotSupported {
		return err
	}

	in, err := s.st.GetMsgInputStream(b.folder, hdr.StoreToken)
	if err != nil {
		return err
	}
	defer in.Close()
	raw, err := io.ReadAll(in)
	if err != nil {
		return err
	}

	newHdr, out, err := s.st.GetNewMsgOutputStream(target)
	if err != nil {
		return err
	}
	if err := out.Write(raw); err != nil {
		_ = s.st.DiscardNewMessage(target, out, newHdr)
		return err
	}
	if err := s.st.FinishNewMessage(target, out, newHdr); err != nil {
		return err
	}

	if move {
		if err := s.st.DeleteMessages(b.folder, []*msghdr.MsgHdr{hdr}); err != nil {
			return err
		}
	}
	return nil
}

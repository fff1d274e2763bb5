package mailkit

// RefreshKind says what changed in a RefreshEvent.
type RefreshKind uint8

const (
	// EventCreate carries a new Envelope.
	EventCreate RefreshKind = iota + 1
	// EventUpdate replaces the envelope OldHash with Envelope.
	EventUpdate
	// EventRename means the message changed identity (OldHash -> Hash)
	// without other changes, as when a maildir file moves.
	EventRename
	// EventRemove drops Hash.
	EventRemove
	// EventNewFlags sets Flags and Tags on Hash.
	EventNewFlags
	// EventRescan asks the consumer to re-fetch the whole mailbox.
	EventRescan
	// EventFailure reports Err; the watcher may keep running.
	EventFailure
)

func (k RefreshKind) String() string {
	switch k {
	case EventCreate:
		return "create"
	case EventUpdate:
		return "update"
	case EventRename:
		return "rename"
	case EventRemove:
		return "remove"
	case EventNewFlags:
		return "new-flags"
	case EventRescan:
		return "rescan"
	case EventFailure:
		return "failure"
	}
	return "unknown"
}

// RefreshEvent is a change notification emitted by Backend.Watch and
// Backend.Refresh.
type RefreshEvent struct {
	Account  AccountHash
	Mailbox  MailboxHash
	Kind     RefreshKind
	Hash     EnvelopeHash
	OldHash  EnvelopeHash
	Envelope *Envelope
	Flags    Flag
	Tags     []string
	Err      error
}

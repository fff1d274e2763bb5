package imap

import "github.com/BrianLeishman/mailkit"

// FlagSet represents the action to take on a flag
type FlagSet int

const (
	FlagUnset FlagSet = iota
	FlagAdd
	FlagRemove
)

// Flags represents standard IMAP message flags
type Flags struct {
	Seen     FlagSet
	Answered FlagSet
	Flagged  FlagSet
	Deleted  FlagSet
	Draft    FlagSet
	Keywords map[string]bool
}

func setOf(on bool) FlagSet {
	if on {
		return FlagAdd
	}
	return FlagRemove
}

// FlagsFromOps converts mailkit flag operations into a Flags change set.
// Tags and flags without a system flag (passed) become keywords.
func FlagsFromOps(ops []mailkit.FlagOp) Flags {
	var f Flags
	keyword := func(k string, on bool) {
		if f.Keywords == nil {
			f.Keywords = make(map[string]bool)
		}
		f.Keywords[k] = on
	}
	for _, op := range ops {
		if op.Tag != "" {
			keyword(op.Tag, op.Set)
			continue
		}
		switch op.Flag {
		case mailkit.FlagSeen:
			f.Seen = setOf(op.Set)
		case mailkit.FlagReplied:
			f.Answered = setOf(op.Set)
		case mailkit.FlagFlagged:
			f.Flagged = setOf(op.Set)
		case mailkit.FlagTrashed:
			f.Deleted = setOf(op.Set)
		case mailkit.FlagDraft:
			f.Draft = setOf(op.Set)
		default:
			if name := mailkit.FlagIMAP(op.Flag); name != "" {
				keyword(name, op.Set)
			}
		}
	}
	return f
}

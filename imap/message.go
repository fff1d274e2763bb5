package imap

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"

	"github.com/BrianLeishman/mailkit"
)

// FetchRecord holds the items of one FETCH response we know how to read.
type FetchRecord struct {
	UID      uint32
	Flags    []string
	Received time.Time
	Size     uint64
	ModSeq   uint64
	Header   []byte
	Body     []byte
}

// parseRecord reads the item/value pairs of a FETCH response.
func (d *Dialer) parseRecord(tks []*Token) (rec FetchRecord, err error) {
	// Some servers may wrap the FETCH content with extra parentheses.
	for len(tks) == 1 && tks[0].Type == TContainer {
		tks = tks[0].Tokens
	}
	for i := 0; i+1 < len(tks); i += 2 {
		t, v := tks[i], tks[i+1]
		if err = d.expect(t, tks, "in root", TAtom); err != nil {
			return rec, err
		}
		switch strings.ToUpper(t.Str) {
		case "UID":
			if err = d.expect(v, tks, "after UID", TNumber); err != nil {
				return rec, err
			}
			rec.UID = uint32(v.Num)
		case "FLAGS":
			if err = d.expect(v, tks, "after FLAGS", TContainer); err != nil {
				return rec, err
			}
			rec.Flags = make([]string, 0, len(v.Tokens))
			for j, f := range v.Tokens {
				if err = d.expect(f, tks, fmt.Sprintf("for FLAGS[%d]", j), TAtom); err != nil {
					return rec, err
				}
				rec.Flags = append(rec.Flags, f.Str)
			}
		case "INTERNALDATE":
			if err = d.expect(v, tks, "after INTERNALDATE", TQuoted); err != nil {
				return rec, err
			}
			if rec.Received, err = time.Parse(TimeFormat, v.Str); err != nil {
				return rec, err
			}
			rec.Received = rec.Received.UTC()
		case "RFC822.SIZE":
			if err = d.expect(v, tks, "after RFC822.SIZE", TNumber); err != nil {
				return rec, err
			}
			rec.Size = uint64(v.Num)
		case "MODSEQ":
			if err = d.expect(v, tks, "after MODSEQ", TContainer); err != nil {
				return rec, err
			}
			if len(v.Tokens) == 1 && v.Tokens[0].Type == TNumber {
				rec.ModSeq = uint64(v.Tokens[0].Num)
			}
		case "BODY[HEADER]", "RFC822.HEADER":
			s, err := tokenString(v)
			if err != nil {
				return rec, fmt.Errorf("after %s: %w", t.Str, err)
			}
			rec.Header = []byte(s)
		case "BODY[]", "RFC822":
			s, err := tokenString(v)
			if err != nil {
				return rec, fmt.Errorf("after %s: %w", t.Str, err)
			}
			rec.Body = []byte(s)
		}
	}
	return rec, nil
}

// FetchRecords runs UID FETCH for uids and parses every response.
func (d *Dialer) FetchRecords(uids string, items string) ([]FetchRecord, error) {
	r, err := d.Exec("UID FETCH "+uids+" "+items, true, RetryCount, nil)
	if err != nil {
		return nil, err
	}
	records, err := d.ParseFetchResponse(r)
	if err != nil {
		if Verbose {
			spew.Dump(r)
		}
		return nil, err
	}
	out := make([]FetchRecord, 0, len(records))
	for _, tks := range records {
		rec, err := d.parseRecord(tks)
		if err != nil {
			return nil, err
		}
		if rec.UID > 0 {
			out = append(out, rec)
		}
	}
	return out, nil
}

// headerItems is what FetchHeaders asks for.
const headerItems = "(UID FLAGS INTERNALDATE RFC822.SIZE BODY.PEEK[HEADER])"

// FetchHeaders fetches flags, dates, sizes and headers of uids in batches of
// FetchBatchSize, passing each batch to fn.
func (d *Dialer) FetchHeaders(uids []uint32, fn func([]FetchRecord) error) error {
	for len(uids) > 0 {
		n := min(FetchBatchSize, len(uids))
		recs, err := d.FetchRecords(uidSet(uids[:n]), headerItems)
		if err != nil {
			return err
		}
		if err := fn(recs); err != nil {
			return err
		}
		uids = uids[n:]
	}
	return nil
}

// FetchRaw returns the full RFC 5322 source of a message without marking it
// seen.
func (d *Dialer) FetchRaw(uid uint32) ([]byte, error) {
	recs, err := d.FetchRecords(strconv.FormatUint(uint64(uid), 10), "(UID BODY.PEEK[])")
	if err != nil {
		return nil, err
	}
	for _, r := range recs {
		if r.UID == uid {
			return r.Body, nil
		}
	}
	return nil, mailkit.Errorf(mailkit.KindNotFound, "imap: message UID %d not found in %s", uid, d.Folder)
}

// FetchFlags returns the flags of every message in the selected folder. With
// changedSince > 0 and CONDSTORE only messages changed since that mod-sequence
// are returned.
func (d *Dialer) FetchFlags(changedSince uint64) ([]FetchRecord, error) {
	items := "(UID FLAGS)"
	if changedSince > 0 && d.Condstore() {
		items = fmt.Sprintf("(UID FLAGS) (CHANGEDSINCE %d)", changedSince)
	}
	return d.FetchRecords("1:*", items)
}

// SearchUIDs runs UID SEARCH with criteria, adding CHARSET UTF-8 when the
// criteria are not plain ASCII.
func (d *Dialer) SearchUIDs(criteria string) ([]uint32, error) {
	cmd := "UID SEARCH "
	if !isASCII(criteria) {
		cmd += "CHARSET UTF-8 "
	}
	r, err := d.Exec(cmd+criteria, true, RetryCount, nil)
	if err != nil {
		return nil, err
	}
	return parseSearchResponse(r)
}

// writable runs fn with the current folder selected read-write, restoring
// read-only access afterwards.
func (d *Dialer) writable(fn func() error) error {
	readOnlyState := d.ReadOnly
	if readOnlyState {
		if err := d.SelectFolder(d.Folder); err != nil {
			return err
		}
	}
	err := fn()
	if readOnlyState {
		if e := d.ExamineFolder(d.Folder); e != nil && err == nil {
			err = e
		}
	}
	return err
}

// MoveUIDs moves messages of the current folder to folder, with MOVE when
// the server has it and COPY, STORE \Deleted and EXPUNGE otherwise.
func (d *Dialer) MoveUIDs(uids []uint32, folder string) error {
	return d.writable(func() error {
		if d.Capabilities["MOVE"] {
			_, err := d.Exec(`UID MOVE `+uidSet(uids)+` `+astring(folder), true, RetryCount, nil)
			return err
		}
		if _, err := d.Exec(`UID COPY `+uidSet(uids)+` `+astring(folder), true, RetryCount, nil); err != nil {
			return err
		}
		if err := d.storeFlags(uids, Flags{Deleted: FlagAdd}); err != nil {
			return err
		}
		return d.expungeUIDs(uids)
	})
}

// CopyUIDs copies messages of the current folder to folder.
func (d *Dialer) CopyUIDs(uids []uint32, folder string) error {
	_, err := d.Exec(`UID COPY `+uidSet(uids)+` `+astring(folder), true, RetryCount, nil)
	return err
}

// Append stores raw in folder with the given flags.
func (d *Dialer) Append(folder string, flags []string, date time.Time, raw []byte) error {
	cmd := "APPEND " + astring(folder)
	if len(flags) > 0 {
		cmd += " (" + strings.Join(flags, " ") + ")"
	}
	if !date.IsZero() {
		cmd += " " + quote(date.Format(TimeFormat))
	}
	cmd += " " + MakeIMAPLiteral(string(raw))
	_, err := d.Exec(cmd, false, 0, nil)
	return err
}

// DeleteUIDs marks messages deleted and expunges them.
func (d *Dialer) DeleteUIDs(uids []uint32) error {
	return d.writable(func() error {
		if err := d.storeFlags(uids, Flags{Deleted: FlagAdd}); err != nil {
			return err
		}
		return d.expungeUIDs(uids)
	})
}

// Expunge permanently removes emails marked for deletion
func (d *Dialer) Expunge() (err error) {
	return d.writable(func() error {
		_, err := d.Exec("EXPUNGE", false, RetryCount, nil)
		return err
	})
}

// expungeUIDs removes only uids when UIDPLUS allows it.
func (d *Dialer) expungeUIDs(uids []uint32) error {
	cmd := "EXPUNGE"
	if d.Capabilities["UIDPLUS"] {
		cmd = "UID EXPUNGE " + uidSet(uids)
	}
	_, err := d.Exec(cmd, false, RetryCount, nil)
	return err
}

// SetFlagsUIDs applies flags to several messages of the current folder.
func (d *Dialer) SetFlagsUIDs(uids []uint32, flags Flags) error {
	return d.writable(func() error { return d.storeFlags(uids, flags) })
}

func (d *Dialer) storeFlags(uids []uint32, flags Flags) error {
	addFlags, removeFlags := flags.lists()
	set := uidSet(uids)
	if len(addFlags) > 0 {
		if _, err := d.Exec(fmt.Sprintf(`UID STORE %s +FLAGS.SILENT (%s)`, set, strings.Join(addFlags, " ")), true, RetryCount, nil); err != nil {
			return err
		}
	}
	if len(removeFlags) > 0 {
		if _, err := d.Exec(fmt.Sprintf(`UID STORE %s -FLAGS.SILENT (%s)`, set, strings.Join(removeFlags, " ")), true, RetryCount, nil); err != nil {
			return err
		}
	}
	return nil
}

// lists crafts the flag strings to add and to remove.
func (flags Flags) lists() (addFlags, removeFlags []string) {
	v := reflect.ValueOf(flags)
	t := reflect.TypeOf(flags)

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		value := v.Field(i)

		if field.Type == reflect.TypeOf(FlagUnset) {
			switch FlagSet(value.Int()) {
			case FlagAdd:
				addFlags = append(addFlags, `\`+field.Name)
			case FlagRemove:
				removeFlags = append(removeFlags, `\`+field.Name)
			}
		}
	}

	// iterate over the keyword-map and add those too to the slices
	for keyword, state := range flags.Keywords {
		if state {
			addFlags = append(addFlags, keyword)
		} else {
			removeFlags = append(removeFlags, keyword)
		}
	}
	return addFlags, removeFlags
}

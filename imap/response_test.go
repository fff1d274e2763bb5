package imap

import (
	"reflect"
	"testing"
)

func TestParseListLine(t *testing.T) {
	tests := []struct {
		name    string
		line    string
		ok      bool
		want    ListEntry
		wantErr bool
	}{
		{
			name: "quoted name",
			line: `* LIST (\HasNoChildren \Sent) "/" "Sent Items"` + "\r\n",
			ok:   true,
			want: ListEntry{Attributes: []string{`\HasNoChildren`, `\Sent`}, Delimiter: "/", Name: "Sent Items"},
		},
		{
			name: "atom name",
			line: `* LIST () "." INBOX`,
			ok:   true,
			want: ListEntry{Delimiter: ".", Name: "INBOX"},
		},
		{
			name: "nil delimiter",
			line: `* LIST (\Noselect) NIL Public`,
			ok:   true,
			want: ListEntry{Attributes: []string{`\Noselect`}, Name: "Public"},
		},
		{
			name: "lsub",
			line: `* LSUB () "/" Work/Projects`,
			ok:   true,
			want: ListEntry{Delimiter: "/", Name: "Work/Projects"},
		},
		{
			name: "other response",
			line: `* 3 EXISTS`,
		},
		{
			name:    "missing name",
			line:    `* LIST () "/"`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok, err := parseListLine(tt.line)
			if (err != nil) != tt.wantErr {
				t.Fatalf("error = %v, wantErr %v", err, tt.wantErr)
			}
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestListEntryHasAttribute(t *testing.T) {
	e := ListEntry{Attributes: []string{`\NoSelect`, `\HasChildren`}}
	if !e.HasAttribute(`\Noselect`) {
		t.Error("attributes should match case-insensitively")
	}
	if e.HasAttribute(`\Marked`) {
		t.Error("unexpected attribute match")
	}
}

func TestParseStatusLine(t *testing.T) {
	st, ok, err := parseStatusLine(`* STATUS "Sent Items" (MESSAGES 231 UNSEEN 3 UIDNEXT 44292 UIDVALIDITY 1 HIGHESTMODSEQ 7011231777)` + "\r\n")
	if err != nil || !ok {
		t.Fatalf("parseStatusLine: ok=%v err=%v", ok, err)
	}
	want := MailboxStatus{Name: "Sent Items", Messages: 231, Unseen: 3, UIDNext: 44292, UIDValidity: 1, HighestModSeq: 7011231777}
	if st != want {
		t.Errorf("got %+v, want %+v", st, want)
	}

	if _, ok, _ := parseStatusLine("* OK still here"); ok {
		t.Error("non-STATUS line reported as STATUS")
	}
}

func TestParseSelectResponse(t *testing.T) {
	resp := "* FLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft)\r\n" +
		"* OK [PERMANENTFLAGS (\\Answered \\Flagged \\Deleted \\Seen \\Draft \\*)] Flags permitted.\r\n" +
		"* 23 EXISTS\r\n" +
		"* 2 RECENT\r\n" +
		"* OK [UIDVALIDITY 3857529045] UIDs valid\r\n" +
		"* OK [UIDNEXT 4392] Predicted next UID\r\n" +
		"* OK [HIGHESTMODSEQ 715194045007] Highest\r\n" +
		"A1 OK [READ-WRITE] SELECT completed\r\n"
	info := parseSelectResponse("INBOX", resp, false)
	if info.Exists != 23 || info.Recent != 2 {
		t.Errorf("counts = %d/%d", info.Exists, info.Recent)
	}
	if info.UIDValidity != 3857529045 || info.UIDNext != 4392 || info.HighestModSeq != 715194045007 {
		t.Errorf("unexpected info %+v", info)
	}
	if len(info.Flags) != 5 || len(info.PermanentFlags) != 6 {
		t.Errorf("flags = %v, permanent = %v", info.Flags, info.PermanentFlags)
	}
	if info.Mailbox != "INBOX" || info.ReadOnly {
		t.Errorf("unexpected info %+v", info)
	}
}

func TestParseCapabilities(t *testing.T) {
	tests := []struct {
		line string
		want map[string]bool
	}{
		{"* CAPABILITY IMAP4rev1 IDLE AUTH=XOAUTH2\r\n", map[string]bool{"IMAP4REV1": true, "IDLE": true, "AUTH=XOAUTH2": true}},
		{"* OK [CAPABILITY IMAP4rev1 LITERAL+] ready\r\n", map[string]bool{"IMAP4REV1": true, "LITERAL+": true}},
		{"* OK ready\r\n", nil},
	}
	for _, tt := range tests {
		if got := parseCapabilities(tt.line); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("parseCapabilities(%q) = %v, want %v", tt.line, got, tt.want)
		}
	}
}

package imap

import (
	"testing"
)

func TestMakeIMAPLiteral(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"test", "{4}\r\ntest"},
		{"тест", "{8}\r\nтест"},
		{"测试", "{6}\r\n测试"},
		{"😀👍", "{8}\r\n😀👍"},
		{"Prüfung", "{8}\r\nPrüfung"},
		{"", "{0}\r\n"},
	}

	for _, test := range tests {
		got := MakeIMAPLiteral(test.input)
		if got != test.expected {
			t.Errorf("MakeIMAPLiteral(%q) = %q, want %q", test.input, got, test.expected)
		}
	}
}

func TestAstring(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"INBOX", `"INBOX"`},
		{`say "hi"`, `"say \"hi\""`},
		{`back\slash`, `"back\\slash"`},
		{"Prüfung", "{8}\r\nPrüfung"},
		{"two\r\nlines", "{10}\r\ntwo\r\nlines"},
	}
	for _, tt := range tests {
		if got := astring(tt.input); got != tt.want {
			t.Errorf("astring(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestUIDSet(t *testing.T) {
	tests := []struct {
		uids []uint32
		want string
	}{
		{nil, ""},
		{[]uint32{7}, "7"},
		{[]uint32{1, 2, 3}, "1:3"},
		{[]uint32{7, 1, 3, 2}, "1:3,7"},
		{[]uint32{5, 5, 6, 9, 10, 12}, "5:6,9:10,12"},
	}
	for _, tt := range tests {
		if got := uidSet(tt.uids); got != tt.want {
			t.Errorf("uidSet(%v) = %q, want %q", tt.uids, got, tt.want)
		}
	}
}

func TestDropNl(t *testing.T) {
	for in, want := range map[string]string{
		"a\r\n": "a",
		"a\n":   "a",
		"a":     "a",
		"":      "",
	} {
		if got := string(dropNl([]byte(in))); got != want {
			t.Errorf("dropNl(%q) = %q, want %q", in, got, want)
		}
	}
}

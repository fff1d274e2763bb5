package imap

import "testing"

func TestDecodeMailboxName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"INBOX", "INBOX"},
		{"Entw&APw-rfe", "Entwürfe"},
		{"&AMk-l&AOk-ments envoy&AOk-s", "Éléments envoyés"},
		{"&ZeVnLIqe-", "日本語"},
		{"Tom &- Jerry", "Tom & Jerry"},
		{"broken &AOk", "broken &AOk"},
	}
	for _, tt := range tests {
		if got := DecodeMailboxName(tt.in); got != tt.want {
			t.Errorf("DecodeMailboxName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

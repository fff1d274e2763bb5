package textproc

import (
	"reflect"
	"testing"

	"github.com/BrianLeishman/mailkit"
)

func TestFeatureRegistered(t *testing.T) {
	if !mailkit.HasFeature("unicode_algorithms") {
		t.Errorf("features = %v", mailkit.Features())
	}
}

func TestWords(t *testing.T) {
	tests := []struct {
		in   string
		want []string
	}{
		{"Hello, world!", []string{"Hello", "world"}},
		{"re: can't stop", []string{"re", "can't", "stop"}},
		{"  ", nil},
		{"Πρόγραμμα 2024", []string{"Πρόγραμμα", "2024"}},
	}
	for _, tt := range tests {
		if got := Words(tt.in); !reflect.DeepEqual(got, tt.want) {
			t.Errorf("Words(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestGraphemesAndWidth(t *testing.T) {
	s := "éa" // e + combining acute, a
	if got := len(Graphemes(s)); got != 2 {
		t.Errorf("Graphemes(%q) has %d clusters, want 2", s, got)
	}
	tests := []struct {
		in   string
		want int
	}{
		{"abc", 3},
		{s, 2},
		{"日本", 4},
		{"", 0},
	}
	for _, tt := range tests {
		if got := Width(tt.in); got != tt.want {
			t.Errorf("Width(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		in    string
		width int
		tail  string
		want  string
	}{
		{"short", 10, "..", "short"},
		{"a long subject line", 8, "..", "a long.."},
		{"日本語テキスト", 5, "", "日本"},
		{"abcdef", 2, "...", "ab"},
	}
	for _, tt := range tests {
		if got := Truncate(tt.in, tt.width, tt.tail); got != tt.want {
			t.Errorf("Truncate(%q, %d) = %q, want %q", tt.in, tt.width, got, tt.want)
		}
	}
}

func TestNormalize(t *testing.T) {
	if got := Normalize("  Hello\tWORLD \n"); got != "hello world" {
		t.Errorf("Normalize = %q", got)
	}
}

func TestGlobMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"INBOX", "INBOX", true},
		{"INBOX/*", "INBOX/Receipts", true},
		{"INBOX/*", "INBOX/Receipts/2024", false},
		{"INBOX/**", "INBOX/Receipts/2024", true},
		{"INBOX.*", "INBOX.Lists", true},
		{"*", "Sent", true},
		{"Arch?ve", "Archive", true},
		{"Arch?ve", "Arch/ve", false},
		{"[AB]rchive", "Archive", true},
		{"[!A]rchive", "Archive", false},
		{"lists/[a-c]*", "lists/bugs", true},
		{"lists/[a-c]*", "lists/dev", false},
	}
	for _, tt := range tests {
		if got := GlobMatch(tt.pattern, tt.name); got != tt.want {
			t.Errorf("GlobMatch(%q, %q) = %v, want %v", tt.pattern, tt.name, got, tt.want)
		}
	}
	if !IsGlob("INBOX/*") || IsGlob("INBOX") {
		t.Error("IsGlob misclassified")
	}
}

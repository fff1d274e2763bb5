// Package textproc holds the Unicode text helpers used by listings and the
// search index: word and grapheme segmentation, display width and glob
// matching of mailbox paths.
package textproc

import (
	"strings"
	"unicode"

	"github.com/BrianLeishman/mailkit"
	"github.com/clipperhouse/uax29/v2/graphemes"
	"github.com/clipperhouse/uax29/v2/words"
	"github.com/mattn/go-runewidth"
)

func init() {
	mailkit.RegisterFeature("unicode_algorithms")
}

// Words splits s into words per UAX #29, dropping spaces and punctuation.
func Words(s string) []string {
	var out []string
	it := words.FromString(s)
	for it.Next() {
		w := it.Value()
		if isWord(w) {
			out = append(out, w)
		}
	}
	return out
}

func isWord(w string) bool {
	for _, r := range w {
		if unicode.IsLetter(r) || unicode.IsNumber(r) {
			return true
		}
	}
	return false
}

// Graphemes splits s into user-perceived characters.
func Graphemes(s string) []string {
	var out []string
	it := graphemes.FromString(s)
	for it.Next() {
		out = append(out, it.Value())
	}
	return out
}

// Width returns the number of terminal cells s occupies. Each grapheme
// cluster counts once, so combining marks and emoji sequences do not inflate
// the width.
func Width(s string) int {
	n := 0
	it := graphemes.FromString(s)
	for it.Next() {
		n += graphemeWidth(it.Value())
	}
	return n
}

func graphemeWidth(g string) int {
	for _, r := range g {
		// The first rune decides; the rest are modifiers or joiners.
		return runewidth.RuneWidth(r)
	}
	return 0
}

// Truncate shortens s to at most width cells, appending tail when something
// was cut. Grapheme clusters are never split.
func Truncate(s string, width int, tail string) string {
	if Width(s) <= width {
		return s
	}
	tw := Width(tail)
	if tw > width {
		tail, tw = "", 0
	}
	var b strings.Builder
	used := 0
	it := graphemes.FromString(s)
	for it.Next() {
		g := it.Value()
		w := graphemeWidth(g)
		if used+w > width-tw {
			break
		}
		b.WriteString(g)
		used += w
	}
	b.WriteString(tail)
	return b.String()
}

// Normalize folds s for indexing: lower case, with runs of white space
// collapsed to one space.
func Normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

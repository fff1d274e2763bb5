package imap

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/BrianLeishman/mailkit"
)

const (
	nl         = "\r\n"
	TimeFormat = "_2-Jan-2006 15:04:05 -0700"
)

var (
	// literalRE matches a line announcing a {n} literal.
	literalRE        = regexp.MustCompile(`{\d+}$`)
	fetchLineStartRE = regexp.MustCompile(`(?m)^\* \d+ FETCH`)
)

// Token is one element of a server response. Str holds atoms, quoted
// strings and literals; Num holds numbers; Tokens holds a parenthesised
// list.
type Token struct {
	Type   TokenType
	Str    string
	Num    int
	Tokens []*Token
}

type TokenType uint8

const (
	TUnset TokenType = iota
	TAtom
	TNumber
	TLiteral
	TQuoted
	TNil
	TContainer
)

var tokenTypeNames = [...]string{"unset", "atom", "number", "literal", "quoted", "NIL", "list"}

func (t TokenType) String() string {
	if int(t) < len(tokenTypeNames) {
		return tokenTypeNames[t]
	}
	return "TokenType(" + strconv.Itoa(int(t)) + ")"
}

func (t Token) String() string {
	switch t.Type {
	case TAtom, TQuoted, TLiteral:
		return fmt.Sprintf("(%s %q)", t.Type, t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", t.Type, t.Num)
	case TContainer:
		return fmt.Sprintf("(%s %s)", t.Type, t.Tokens)
	}
	return t.Type.String()
}

// isAtomChar reports whether c may appear in an atom. That is any printable
// ASCII but the list and string delimiters, so Sent-Items, $Forwarded and
// BODY[HEADER] each read as one atom.
func isAtomChar(c rune) bool {
	switch {
	case unicode.IsDigit(c), unicode.IsLetter(c):
		return true
	case c > ' ' && c < 0x7f:
		return !strings.ContainsRune(`(){}"`, c)
	}
	return false
}

type tokenizer struct {
	s   string
	pos int
}

// parseFetchTokens splits s into tokens. A lone outer list is unwrapped.
func parseFetchTokens(s string) ([]*Token, error) {
	tz := &tokenizer{s: s}
	tokens, err := tz.list(0)
	if err != nil {
		return nil, err
	}
	if len(tokens) == 1 && tokens[0].Type == TContainer {
		tokens = tokens[0].Tokens
	}
	return tokens, nil
}

// list reads tokens up to the parenthesis closing depth, or to the end of
// the input at depth 0.
func (tz *tokenizer) list(depth int) ([]*Token, error) {
	tokens := make([]*Token, 0)
	for tz.pos < len(tz.s) {
		c := tz.s[tz.pos]
		switch {
		case c == '(':
			tz.pos++
			inner, err := tz.list(depth + 1)
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, &Token{Type: TContainer, Tokens: inner})
		case c == ')':
			if depth == 0 {
				return nil, fmt.Errorf("unmatched ')' at char %d in %s", tz.pos, tz.s)
			}
			tz.pos++
			return tokens, nil
		case c == '"':
			tokens = append(tokens, tz.quoted())
		case c == '{':
			t, err := tz.literal()
			if err != nil {
				return nil, err
			}
			tokens = append(tokens, t)
		case isAtomChar(rune(c)):
			tokens = append(tokens, tz.atom())
		default:
			tz.pos++
		}
	}
	if depth != 0 {
		return nil, fmt.Errorf("mismatched parentheses, depth %d at end of %s", depth, tz.s)
	}
	return tokens, nil
}

// atom reads a bare word, which may also be a number or NIL.
func (tz *tokenizer) atom() *Token {
	start := tz.pos
	for tz.pos < len(tz.s) && isAtomChar(rune(tz.s[tz.pos])) {
		tz.pos++
	}
	s := tz.s[start:tz.pos]
	if n, err := strconv.Atoi(s); err == nil {
		return &Token{Type: TNumber, Num: n}
	}
	if s == "NIL" {
		return &Token{Type: TNil}
	}
	return &Token{Type: TAtom, Str: s}
}

// quoted reads a quoted string. An unterminated one runs to the end.
func (tz *tokenizer) quoted() *Token {
	start := tz.pos + 1
	i := start
	for i < len(tz.s) && tz.s[i] != '"' {
		if tz.s[i] == '\\' {
			i++
		}
		i++
	}
	end := min(i, len(tz.s))
	tz.pos = end + 1
	return &Token{Type: TQuoted, Str: RemoveSlashes.Replace(tz.s[start:end])}
}

// literal reads {n} and the n bytes after the line break. A literal cut
// short by the end of the buffer keeps what is there.
func (tz *tokenizer) literal() (*Token, error) {
	closing := strings.IndexByte(tz.s[tz.pos:], '}')
	if closing < 0 {
		return nil, fmt.Errorf("unterminated literal size at char %d", tz.pos)
	}
	sizeStr := tz.s[tz.pos+1 : tz.pos+closing]
	size, err := strconv.Atoi(sizeStr)
	if err != nil || size < 0 {
		return nil, fmt.Errorf("bad literal size %q at char %d", sizeStr, tz.pos)
	}
	i := tz.pos + closing + 1
	if i < len(tz.s) && tz.s[i] == '\r' {
		i++
	}
	if i < len(tz.s) && tz.s[i] == '\n' {
		i++
	}
	if size > 0 && i >= len(tz.s) {
		return nil, fmt.Errorf("literal size %d but no data after char %d of %d", size, i, len(tz.s))
	}
	end := min(i+size, len(tz.s))
	tz.pos = end
	return &Token{Type: TLiteral, Str: tz.s[i:end]}, nil
}

// ParseFetchResponse splits a FETCH response into the tokens of each
// message.
func (d *Dialer) ParseFetchResponse(body string) ([][]*Token, error) {
	records := make([][]*Token, 0)
	body = strings.TrimSpace(body)
	if body == "" {
		return records, nil
	}
	locs := fetchLineStartRE.FindAllStringIndex(body, -1)
	if locs == nil {
		if !strings.HasPrefix(body, "* ") {
			return records, nil
		}
		locs = [][]int{{0, len(body)}}
	}
	for i, loc := range locs {
		end := len(body)
		if i+1 < len(locs) {
			end = locs[i+1][0]
		}
		line := strings.TrimSpace(body[loc[0]:end])
		if line == "" {
			continue
		}
		tokens, err := parseFetchLine(line)
		if err != nil {
			return nil, err
		}
		records = append(records, tokens)
	}
	return records, nil
}

// parseFetchLine parses "* <seq> FETCH (...)".
func parseFetchLine(line string) ([]*Token, error) {
	rest, ok := strings.CutPrefix(line, "* ")
	seq, rest, found := strings.Cut(rest, " ")
	if !ok || !found {
		return nil, mailkit.Errorf(mailkit.KindValue, "imap: malformed FETCH line %q", line)
	}
	if _, err := strconv.Atoi(seq); err != nil {
		return nil, mailkit.Errorf(mailkit.KindValue, "imap: bad sequence number %q in FETCH line", seq)
	}
	content, ok := strings.CutPrefix(strings.TrimSpace(rest), "FETCH ")
	if !ok {
		return nil, mailkit.Errorf(mailkit.KindValue, "imap: not a FETCH line: %q", line)
	}
	tokens, err := parseFetchTokens(content)
	if err != nil {
		return nil, mailkit.WrapError(mailkit.KindValue, "imap: FETCH line", err)
	}
	return tokens, nil
}

// expect checks that t is one of types; where says which part of the
// record tks was being read.
func (d *Dialer) expect(t *Token, tks []*Token, where string, types ...TokenType) error {
	for _, typ := range types {
		if t.Type == typ {
			return nil
		}
	}
	names := make([]string, len(types))
	for i, typ := range types {
		names[i] = typ.String()
	}
	return mailkit.Errorf(mailkit.KindValue, "IMAP%d:%s: expected %s token %s, got %s in %v",
		d.ConnNum, d.Folder, strings.Join(names, "|"), where, t, tks)
}

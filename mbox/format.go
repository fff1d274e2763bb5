package mbox

import (
	"bytes"
	"strconv"
	"strings"
	"time"

	"github.com/BrianLeishman/mailkit"
)

// Format is an mbox dialect. They differ in how "From " lines inside a
// message are protected.
type Format string

const (
	// MboxO escapes body lines starting with "From " as ">From ".
	MboxO Format = "mboxo"
	// MboxRD also escapes lines that already start with ">From ", so
	// unescaping is lossless.
	MboxRD Format = "mboxrd"
	// MboxCL escapes like mboxo and adds a Content-Length header.
	MboxCL Format = "mboxcl"
	// MboxCL2 does not escape and relies on Content-Length.
	MboxCL2 Format = "mboxcl2"
)

// ParseFormat validates a configured format name.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case MboxO, MboxRD, MboxCL, MboxCL2:
		return f, nil
	case "":
		return MboxCL2, nil
	}
	return "", mailkit.Errorf(mailkit.KindConfiguration, "unknown mbox format %q", s)
}

// span is one message of an mbox file. Offset and Length cover the whole
// entry including its "From " line.
type span struct {
	Offset int
	Length int
	// Start is where the message itself begins, after the "From " line.
	Start int
	// End is where the message ends, before the separating blank line.
	End int
}

var fromLine = []byte("From ")

// split finds the messages in data. A Content-Length header is trusted when
// it ends the message exactly at the end of data or before another "From "
// line; otherwise the next "From " line at the start of a line ends it.
func split(data []byte) []span {
	var out []span
	pos := 0
	for pos < len(data) && (data[pos] == '\n' || data[pos] == '\r') {
		pos++
	}
	for pos < len(data) {
		if !bytes.HasPrefix(data[pos:], fromLine) {
			// Not an mbox entry; resync on the next From line.
			next := bytes.Index(data[pos:], []byte("\nFrom "))
			if next < 0 {
				break
			}
			pos += next + 1
			continue
		}
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			break
		}
		start := pos + nl + 1
		end := -1
		if n, hdrEnd, ok := contentLength(data[start:]); ok {
			e := start + hdrEnd + n
			if e <= len(data) {
				rest := data[e:]
				trimmed := bytes.TrimLeft(rest, "\r\n")
				if len(trimmed) == 0 || bytes.HasPrefix(trimmed, fromLine) {
					end = e
				}
			}
		}
		next := len(data)
		if end >= 0 {
			next = end
			for next < len(data) && (data[next] == '\n' || data[next] == '\r') {
				next++
			}
		} else {
			if i := bytes.Index(data[start:], []byte("\nFrom ")); i >= 0 {
				next = start + i + 1
			}
			end = next
			// Drop the blank line separating entries.
			if end-start >= 2 && data[end-1] == '\n' && data[end-2] == '\n' {
				end--
			} else if end-start >= 3 && data[end-1] == '\n' && data[end-2] == '\r' && data[end-3] == '\n' {
				end -= 2
			}
		}
		out = append(out, span{Offset: pos, Length: next - pos, Start: start, End: end})
		pos = next
	}
	return out
}

// contentLength returns the Content-Length header value of the message at
// the start of msg and the size of its header block.
func contentLength(msg []byte) (n, headerLen int, ok bool) {
	hdrEnd := bytes.Index(msg, []byte("\n\n"))
	sepLen := 2
	if i := bytes.Index(msg, []byte("\r\n\r\n")); i >= 0 && (hdrEnd < 0 || i < hdrEnd) {
		hdrEnd, sepLen = i, 4
	}
	if hdrEnd < 0 {
		return 0, 0, false
	}
	for _, line := range bytes.Split(msg[:hdrEnd], []byte("\n")) {
		k, v, found := bytes.Cut(line, []byte(":"))
		if !found || !strings.EqualFold(string(k), "Content-Length") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(string(v)))
		if err != nil || n < 0 {
			return 0, 0, false
		}
		return n, hdrEnd + sepLen, true
	}
	return 0, 0, false
}

// unescape undoes the From line quoting of format.
func unescape(msg []byte, format Format) []byte {
	if format == MboxCL2 {
		return msg
	}
	lines := bytes.SplitAfter(msg, []byte("\n"))
	changed := false
	for i, l := range lines {
		switch format {
		case MboxRD:
			j := 0
			for j < len(l) && l[j] == '>' {
				j++
			}
			if j > 0 && bytes.HasPrefix(l[j:], fromLine) {
				lines[i] = l[1:]
				changed = true
			}
		default:
			if bytes.HasPrefix(l, []byte(">From ")) {
				lines[i] = l[1:]
				changed = true
			}
		}
	}
	if !changed {
		return msg
	}
	return bytes.Join(lines, nil)
}

// escape quotes From lines in a message body for format.
func escape(body []byte, format Format) []byte {
	if format == MboxCL2 {
		return body
	}
	lines := bytes.SplitAfter(body, []byte("\n"))
	var out bytes.Buffer
	for _, l := range lines {
		switch format {
		case MboxRD:
			j := 0
			for j < len(l) && l[j] == '>' {
				j++
			}
			if bytes.HasPrefix(l[j:], fromLine) {
				out.WriteByte('>')
			}
		default:
			if bytes.HasPrefix(l, fromLine) {
				out.WriteByte('>')
			}
		}
		out.Write(l)
	}
	return out.Bytes()
}

// statusHeaders returns the Status and X-Status values for flags.
func statusHeaders(flags mailkit.Flag) (status, xstatus string) {
	status = "O"
	if flags.Has(mailkit.FlagSeen) {
		status = "RO"
	}
	for _, f := range []struct {
		flag   mailkit.Flag
		letter string
	}{
		{mailkit.FlagReplied, "A"},
		{mailkit.FlagFlagged, "F"},
		{mailkit.FlagDraft, "T"},
		{mailkit.FlagTrashed, "D"},
	} {
		if flags.Has(f.flag) {
			xstatus += f.letter
		}
	}
	return status, xstatus
}

// entry renders a message as an mbox entry: a "From " line, the header
// with Status, X-Status and (for the cl formats) Content-Length replaced,
// the escaped body and a blank line.
func entry(fromLine string, msg []byte, flags mailkit.Flag, format Format) []byte {
	sep := []byte("\n\n")
	nl := "\n"
	hdrEnd := bytes.Index(msg, sep)
	if i := bytes.Index(msg, []byte("\r\n\r\n")); i >= 0 && (hdrEnd < 0 || i < hdrEnd) {
		hdrEnd, sep, nl = i, []byte("\r\n\r\n"), "\r\n"
	}
	var header, body []byte
	if hdrEnd < 0 {
		header = bytes.TrimRight(msg, "\r\n")
	} else {
		header, body = msg[:hdrEnd], msg[hdrEnd+len(sep):]
	}
	if len(body) > 0 && body[len(body)-1] != '\n' {
		body = append(append([]byte(nil), body...), nl...)
	}
	body = escape(body, format)

	var out bytes.Buffer
	out.WriteString(fromLine)
	out.WriteByte('\n')
	skip := false
	for _, line := range bytes.Split(header, []byte("\n")) {
		if len(line) > 0 && (line[0] == ' ' || line[0] == '\t') {
			if !skip {
				out.Write(line)
				out.WriteByte('\n')
			}
			continue
		}
		k, _, _ := bytes.Cut(line, []byte(":"))
		name := strings.ToLower(strings.TrimSpace(string(k)))
		skip = name == "status" || name == "x-status" || name == "content-length"
		if !skip {
			out.Write(line)
			out.WriteByte('\n')
		}
	}
	status, xstatus := statusHeaders(flags)
	out.WriteString("Status: " + status + nl)
	if xstatus != "" {
		out.WriteString("X-Status: " + xstatus + nl)
	}
	if format == MboxCL || format == MboxCL2 {
		out.WriteString("Content-Length: " + strconv.Itoa(len(body)) + nl)
	}
	out.WriteString(nl)
	out.Write(body)
	out.WriteString("\n")
	return out.Bytes()
}

// newFromLine is the separator written for new messages.
func newFromLine(t time.Time) string {
	return "From MAILER-DAEMON " + t.UTC().Format(time.ANSIC)
}

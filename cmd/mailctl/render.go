package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	humanize "github.com/dustin/go-humanize"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/account"
	"github.com/BrianLeishman/mailkit/textproc"
	"github.com/BrianLeishman/mailkit/thread"
	"github.com/BrianLeishman/mailkit/vcard"
)

// Column widths in terminal cells.
const (
	subjectWidth = 60
	fromWidth    = 28
)

var (
	heading     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	headerCell  = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	cell        = lipgloss.NewStyle().Padding(0, 1)
	unseenCell  = cell.Bold(true)
	borderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	label       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

// renderTable lays rows out under headers. Rows whose first cell starts with
// "*" are drawn bold.
func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(borderStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerCell
			}
			if row >= 0 && row < len(rows) && strings.HasPrefix(rows[row][0], "*") {
				return unseenCell
			}
			return cell
		}).
		String()
}

func limitOr(limit, n int) int {
	if limit <= 0 {
		return n
	}
	return limit
}

func limitSlice[T any](s []T, limit int) []T {
	if limit > 0 && len(s) > limit {
		return s[:limit]
	}
	return s
}

func mailboxRow(mb *mailkit.Mailbox, s *mailkit.AccountSettings) []string {
	name := strings.Repeat("  ", mb.Depth()) + mb.Name
	usage := ""
	if mb.Usage != mailkit.UsageNormal {
		usage = mb.Usage.String()
	}
	sub := "no"
	switch {
	case s.IsIgnored(mb.Path):
		sub = "ignored"
	case s.IsSubscribed(mb.Path, textproc.GlobMatch):
		sub = "yes"
	}
	return []string{name, usage, humanize.Comma(int64(mb.Total)), humanize.Comma(int64(mb.Unseen)), sub}
}

// flagMarks is the short flag column: * unseen, ! flagged, r replied.
func flagMarks(e *mailkit.Envelope) string {
	var b strings.Builder
	if !e.IsSeen() {
		b.WriteByte('*')
	}
	if e.Flags.Has(mailkit.FlagFlagged) {
		b.WriteByte('!')
	}
	if e.Flags.Has(mailkit.FlagReplied) {
		b.WriteByte('r')
	}
	if e.HasAttachments {
		b.WriteByte('@')
	}
	return b.String()
}

func fromColumn(as mailkit.Addresses) string {
	if len(as) == 0 {
		return ""
	}
	a := as[0]
	if a.Name != "" {
		return a.Name
	}
	return a.Email
}

func envelopeRow(e *mailkit.Envelope) []string {
	subject := e.Subject
	if len(e.Tags) > 0 {
		subject = "[" + strings.Join(e.Tags, ",") + "] " + subject
	}
	return []string{
		flagMarks(e),
		e.Hash.String(),
		humanize.Time(e.SortDate()),
		textproc.Truncate(fromColumn(e.From), fromWidth, "…"),
		textproc.Truncate(subject, subjectWidth, "…"),
		humanize.Bytes(e.Size),
	}
}

func envelopeTable(envs []*mailkit.Envelope) string {
	rows := make([][]string, 0, len(envs))
	for _, e := range envs {
		rows = append(rows, envelopeRow(e))
	}
	return renderTable([]string{"", "Hash", "Date", "From", "Subject", "Size"}, rows)
}

func threadTable(threads []*thread.Thread) string {
	rows := make([][]string, 0, len(threads))
	for _, t := range threads {
		mark := ""
		if t.Unseen > 0 {
			mark = "*"
		}
		count := strconv.Itoa(t.Len)
		if t.Unseen > 0 {
			count = fmt.Sprintf("%d/%d", t.Unseen, t.Len)
		}
		rows = append(rows, []string{
			mark,
			t.Root().Envelope.String(),
			humanize.Time(t.Latest),
			count,
			textproc.Truncate(t.Subject, subjectWidth, "…"),
		})
	}
	return renderTable([]string{"", "Hash", "Latest", "Msgs", "Subject"}, rows)
}

func contactTable(cards []*vcard.Card) string {
	rows := make([][]string, 0, len(cards))
	for _, c := range cards {
		rows = append(rows, []string{c.DisplayName(), strings.Join(c.Emails, ", "), c.Org, strings.Join(c.Phones, ", ")})
	}
	return renderTable([]string{"Name", "Email", "Organisation", "Phone"}, rows)
}

func writeMessage(w io.Writer, e *mailkit.Envelope, body *mailkit.Body) {
	field := func(name, value string) {
		if value != "" {
			fmt.Fprintf(w, "%s %s\n", label.Render(name+":"), value)
		}
	}
	field("From", e.From.String())
	field("To", e.To.String())
	field("Cc", e.Cc.String())
	field("Subject", heading.Render(e.Subject))
	if !e.Date.IsZero() {
		field("Date", e.Date.Format("Mon, 02 Jan 2006 15:04 MST")+" ("+humanize.Time(e.Date)+")")
	}
	field("Flags", e.Flags.String())
	field("Tags", strings.Join(e.Tags, ", "))
	fmt.Fprintln(w)
	if body.Text != "" {
		fmt.Fprintln(w, strings.TrimRight(body.Text, "\n"))
	} else if body.HTML != "" {
		fmt.Fprintln(w, label.Render("(HTML only, "+humanize.Bytes(uint64(len(body.HTML)))+")"))
	}
	for _, a := range body.Attachments {
		fmt.Fprintln(w, label.Render("attachment:"), a.String())
	}
}

func eventLine(ev mailkit.RefreshEvent, acc *account.Account) string {
	mailbox := ev.Mailbox.String()
	for _, mb := range acc.Mailboxes() {
		if mb.Hash == ev.Mailbox {
			mailbox = mb.Path
			break
		}
	}
	line := fmt.Sprintf("%-9s %s", ev.Kind.String(), mailbox)
	switch {
	case ev.Err != nil:
		line += " " + ev.Err.Error()
	case ev.Envelope != nil:
		line += " " + ev.Envelope.Hash.String() + " " + ev.Envelope.Subject
	case ev.Hash != 0:
		line += " " + ev.Hash.String()
		if ev.Kind == mailkit.EventNewFlags {
			line += " " + ev.Flags.String()
		}
	}
	return line
}

// parseFlagOps splits +flag/-flag and +tag:x/-tag:x arguments from the rest.
func parseFlagOps(args []string) (ops []mailkit.FlagOp, rest []string, err error) {
	for _, a := range args {
		if len(a) < 2 || (a[0] != '+' && a[0] != '-') {
			rest = append(rest, a)
			continue
		}
		set := a[0] == '+'
		name := a[1:]
		if tag, ok := strings.CutPrefix(name, "tag:"); ok {
			if tag == "" {
				return nil, nil, mailkit.Errorf(mailkit.KindValue, "empty tag in %q", a)
			}
			ops = append(ops, mailkit.FlagOp{Tag: tag, Set: set})
			continue
		}
		f, ok := mailkit.ParseFlag(name)
		if !ok {
			return nil, nil, mailkit.Errorf(mailkit.KindValue, "unknown flag %q", name)
		}
		ops = append(ops, mailkit.FlagOp{Flag: f, Set: set})
	}
	return ops, rest, nil
}

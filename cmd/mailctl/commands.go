package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/pflag"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/compose"
	"github.com/BrianLeishman/mailkit/vcard"
)

func flagSet(name string, env *cli) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.SetOutput(env.out)
	return fs
}

// mailbox resolves --mailbox, defaulting to the inbox.
func (env *cli) mailbox(name string) (*mailkit.Mailbox, error) {
	if name == "" {
		name = "INBOX"
	}
	return env.account.Mailbox(name)
}

// loadMailbox fetches one mailbox into the account.
func (env *cli) loadMailbox(ctx context.Context, name string) (*mailkit.Mailbox, error) {
	mb, err := env.mailbox(name)
	if err != nil {
		return nil, err
	}
	return mb, env.account.LoadMailbox(ctx, mb.Hash)
}

func runMailboxes(_ context.Context, env *cli, _ []string) error {
	var rows [][]string
	for _, mb := range env.account.Mailboxes() {
		rows = append(rows, mailboxRow(mb, env.account.Settings()))
	}
	fmt.Fprintln(env.out, renderTable([]string{"Mailbox", "Usage", "Total", "Unseen", "Subscribed"}, rows))
	return nil
}

func runList(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("list", env)
	box := fs.StringP("mailbox", "m", "", "mailbox (default INBOX)")
	limit := fs.IntP("limit", "n", 50, "show at most N envelopes, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mb, err := env.loadMailbox(ctx, *box)
	if err != nil {
		return err
	}
	envs := env.account.Envelopes(mb.Hash)
	fmt.Fprintln(env.out, envelopeTable(limitSlice(envs, *limit)))
	fmt.Fprintf(env.out, "%d of %d in %s\n", min(len(envs), limitOr(*limit, len(envs))), len(envs), mb.Path)
	return nil
}

func runThreads(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("threads", env)
	box := fs.StringP("mailbox", "m", "", "mailbox (default INBOX)")
	limit := fs.IntP("limit", "n", 30, "show at most N threads, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}
	mb, err := env.loadMailbox(ctx, *box)
	if err != nil {
		return err
	}
	fmt.Fprintln(env.out, threadTable(limitSlice(env.account.Threads(mb.Hash), *limit)))
	return nil
}

func runSearch(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("search", env)
	box := fs.StringP("mailbox", "m", "", "mailbox (default INBOX)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	q := strings.Join(fs.Args(), " ")
	mb, err := env.loadMailbox(ctx, *box)
	if err != nil {
		return err
	}
	hashes, err := env.account.Search(ctx, q, mb.Hash)
	if err != nil {
		return err
	}
	var envs []*mailkit.Envelope
	for _, h := range hashes {
		if e, ok := env.account.Collection().Get(h); ok {
			envs = append(envs, e)
		}
	}
	fmt.Fprintln(env.out, envelopeTable(envs))
	fmt.Fprintf(env.out, "%d matches\n", len(hashes))
	return nil
}

// findEnvelope loads the given mailbox, or every mailbox, until h shows up.
func (env *cli) findEnvelope(ctx context.Context, box string, h mailkit.EnvelopeHash) (*mailkit.Envelope, error) {
	if box != "" {
		if _, err := env.loadMailbox(ctx, box); err != nil {
			return nil, err
		}
	} else if err := env.account.Load(ctx); err != nil {
		fmt.Fprintln(env.errOut, "warning:", err)
	}
	e, ok := env.account.Collection().Get(h)
	if !ok {
		return nil, mailkit.Errorf(mailkit.KindNotFound, "no message %s", h)
	}
	return e, nil
}

func parseHashes(args []string) ([]mailkit.EnvelopeHash, error) {
	out := make([]mailkit.EnvelopeHash, 0, len(args))
	for _, a := range args {
		h, err := mailkit.ParseEnvelopeHash(a)
		if err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func runShow(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("show", env)
	box := fs.StringP("mailbox", "m", "", "mailbox holding the message")
	raw := fs.Bool("raw", false, "print the message source")
	if err := fs.Parse(args); err != nil {
		return err
	}
	hashes, err := parseHashes(fs.Args())
	if err != nil {
		return err
	}
	if len(hashes) != 1 {
		return mailkit.Errorf(mailkit.KindValue, "show takes one message hash")
	}
	e, err := env.findEnvelope(ctx, *box, hashes[0])
	if err != nil {
		return err
	}
	data, err := env.account.Message(ctx, e.Hash)
	if err != nil {
		return err
	}
	if *raw {
		_, err := env.out.Write(data)
		return err
	}
	body, err := mailkit.ParseBody(data)
	if err != nil {
		return err
	}
	writeMessage(env.out, e, body)
	return nil
}

func runFlag(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("flag", env)
	box := fs.StringP("mailbox", "m", "", "mailbox (default INBOX)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	ops, rest, err := parseFlagOps(fs.Args())
	if err != nil {
		return err
	}
	if len(ops) == 0 {
		return mailkit.Errorf(mailkit.KindValue, "no flag changes given")
	}
	hashes, err := parseHashes(rest)
	if err != nil {
		return err
	}
	mb, err := env.loadMailbox(ctx, *box)
	if err != nil {
		return err
	}
	return env.account.SetFlags(ctx, hashes, mb.Hash, ops)
}

func runMove(ctx context.Context, env *cli, args []string) error {
	fs := flagSet("move", env)
	box := fs.StringP("mailbox", "m", "", "source mailbox (default INBOX)")
	to := fs.String("to", "", "destination mailbox")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *to == "" {
		return mailkit.Errorf(mailkit.KindValue, "move needs --to")
	}
	hashes, err := parseHashes(fs.Args())
	if err != nil {
		return err
	}
	src, err := env.loadMailbox(ctx, *box)
	if err != nil {
		return err
	}
	dst, err := env.mailbox(*to)
	if err != nil {
		return err
	}
	return env.account.Move(ctx, hashes, src.Hash, dst.Hash)
}

func runSend(ctx context.Context, env *cli, args []string) error {
	r := env.in
	if len(args) > 0 && args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return mailkit.WrapError(mailkit.KindValue, "reading message", err)
		}
		defer f.Close()
		r = f
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	draft, err := compose.Parse(string(data))
	if err != nil {
		return err
	}
	if sig := env.cfg.Composing.Signature; sig != "" && !strings.Contains(draft.Body, sig) {
		draft.Body = strings.TrimRight(draft.Body, "\n") + "\n\n" + sig + "\n"
	}
	if err := env.account.Send(ctx, draft); err != nil {
		return err
	}
	fmt.Fprintln(env.out, "sent", draft.Get("Message-ID"))
	return nil
}

func runWatch(ctx context.Context, env *cli, _ []string) error {
	if err := env.account.Load(ctx); err != nil {
		fmt.Fprintln(env.errOut, "warning:", err)
	}
	done := make(chan error, 1)
	go func() { done <- env.account.Run(ctx) }()
	for {
		select {
		case ev := <-env.account.Events():
			fmt.Fprintln(env.out, eventLine(ev, env.account))
		case err := <-done:
			return err
		}
	}
}

func runContacts(_ context.Context, env *cli, args []string) error {
	fs := flagSet("contacts", env)
	dir := fs.String("dir", "", "directory of .vcf files")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dir == "" {
		return mailkit.Errorf(mailkit.KindConfiguration, "contacts needs --dir")
	}
	book, err := vcard.LoadDir(*dir)
	if err != nil {
		return err
	}
	cards := book.Cards()
	if term := strings.Join(fs.Args(), " "); term != "" {
		cards = book.Search(term)
	}
	fmt.Fprintln(env.out, contactTable(cards))
	return nil
}

// Command mailctl reads, searches and sends mail for the accounts in the
// mailkit configuration file.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/BrianLeishman/mailkit"
	"github.com/BrianLeishman/mailkit/account"
	"github.com/BrianLeishman/mailkit/config"
	"github.com/BrianLeishman/mailkit/imap"

	_ "github.com/BrianLeishman/mailkit/gpg"
	_ "github.com/BrianLeishman/mailkit/jmap"
	_ "github.com/BrianLeishman/mailkit/maildir"
	_ "github.com/BrianLeishman/mailkit/mbox"
	_ "github.com/BrianLeishman/mailkit/notmuch"
)

// command is one mailctl sub-command.
type command struct {
	name    string
	usage   string
	summary string
	// offline commands run without loading an account.
	offline bool
	run     func(ctx context.Context, env *cli, args []string) error
}

var commands = []*command{
	{name: "features", summary: "list compiled in backends and features", offline: true, run: runFeatures},
	{name: "accounts", summary: "list configured accounts", offline: true, run: runAccounts},
	{name: "mailboxes", summary: "list the account's mailboxes", run: runMailboxes},
	{name: "list", usage: "[--mailbox M] [--limit N]", summary: "list envelopes, newest first", run: runList},
	{name: "threads", usage: "[--mailbox M] [--limit N]", summary: "list conversations", run: runThreads},
	{name: "search", usage: "[--mailbox M] QUERY", summary: "search with the query language", run: runSearch},
	{name: "show", usage: "HASH", summary: "print a message", run: runShow},
	{name: "flag", usage: "[--mailbox M] +seen|-seen|+tag:x ... HASH...", summary: "change flags and tags", run: runFlag},
	{name: "move", usage: "--to M HASH...", summary: "move messages", run: runMove},
	{name: "send", usage: "[FILE]", summary: "send a message read from FILE or stdin", run: runSend},
	{name: "watch", summary: "print change events until interrupted", run: runWatch},
	{name: "contacts", usage: "--dir DIR [TERM]", summary: "search vCard contacts", offline: true, run: runContacts},
}

// cli carries what every command needs.
type cli struct {
	in      io.Reader
	out     io.Writer
	errOut  io.Writer
	cfg     *config.File
	account *account.Account
}

func usage(w io.Writer, global *pflag.FlagSet) {
	fmt.Fprintln(w, "usage: mailctl [flags] COMMAND [args]")
	fmt.Fprintln(w, "\nflags:")
	fmt.Fprint(w, global.FlagUsages())
	fmt.Fprintln(w, "\ncommands:")
	for _, c := range commands {
		fmt.Fprintf(w, "  %-10s %s\n", c.name, c.summary)
		if c.usage != "" {
			fmt.Fprintf(w, "  %-10s   %s %s\n", "", c.name, c.usage)
		}
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, "mailctl:", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds to distinct process exit statuses.
func exitCode(err error) int {
	switch mailkit.KindOf(err) {
	case mailkit.KindConfiguration:
		return 3
	case mailkit.KindAuthentication:
		return 4
	case mailkit.KindNetwork, mailkit.KindTimeout:
		return 5
	case mailkit.KindNotFound:
		return 6
	}
	return 1
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	global := pflag.NewFlagSet("mailctl", pflag.ContinueOnError)
	global.SetOutput(stderr)
	global.SetInterspersed(false)
	cfgPath := global.StringP("config", "c", "", "configuration file (default "+config.DefaultPath()+")")
	accName := global.StringP("account", "a", "", "account to use (default: the first one)")
	debug := global.Bool("debug", false, "log debug output")
	verbose := global.Bool("verbose", false, "dump protocol traffic")
	global.Usage = func() { usage(stderr, global) }
	if err := global.Parse(args); err != nil {
		return err
	}

	level := slog.LevelWarn
	if *debug {
		level = slog.LevelDebug
	}
	mailkit.SetSlogLogger(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})))
	imap.Verbose = *verbose

	if global.NArg() == 0 {
		usage(stderr, global)
		return mailkit.Errorf(mailkit.KindValue, "no command given")
	}
	name, rest := global.Arg(0), global.Args()[1:]
	var cmd *command
	for _, c := range commands {
		if c.name == name {
			cmd = c
		}
	}
	if cmd == nil {
		usage(stderr, global)
		return mailkit.Errorf(mailkit.KindValue, "unknown command %q", name)
	}

	env := &cli{in: stdin, out: stdout, errOut: stderr}
	if cmd.offline {
		if cmd.name == "accounts" {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			env.cfg = cfg
		}
		return cmd.run(ctx, env, rest)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		return err
	}
	env.cfg = cfg
	acc, err := openAccount(ctx, cfg, *accName)
	if err != nil {
		return err
	}
	defer acc.Close()
	env.account = acc
	return cmd.run(ctx, env, rest)
}

// openAccount builds the named account, or the first configured one, and
// loads its mailbox list.
func openAccount(ctx context.Context, cfg *config.File, name string) (*account.Account, error) {
	if name == "" {
		name = cfg.AccountNames()[0]
	}
	s, err := cfg.Settings(ctx, name)
	if err != nil {
		return nil, err
	}
	opts := []account.Option{}
	if !cfg.Composing.SaveSent {
		opts = append(opts, account.WithSentMailbox(""))
	} else if cfg.Composing.SentMailbox != "" {
		opts = append(opts, account.WithSentMailbox(cfg.Composing.SentMailbox))
	}
	acc, err := account.New(s, opts...)
	if err != nil {
		return nil, err
	}
	if _, err := acc.RefreshMailboxes(ctx); err != nil {
		_ = acc.Close()
		return nil, err
	}
	return acc, nil
}

func runFeatures(_ context.Context, env *cli, _ []string) error {
	fmt.Fprintln(env.out, heading.Render("backends"))
	for _, b := range mailkit.Backends() {
		fmt.Fprintln(env.out, "  "+b)
	}
	fmt.Fprintln(env.out, heading.Render("features"))
	for _, f := range mailkit.Features() {
		fmt.Fprintln(env.out, "  "+f)
	}
	return nil
}

func runAccounts(_ context.Context, env *cli, _ []string) error {
	rows := make([][]string, 0, len(env.cfg.Accounts))
	for _, n := range env.cfg.AccountNames() {
		acc := env.cfg.Accounts[n]
		rows = append(rows, []string{n, strings.ToLower(acc.Format), acc.Identity, acc.RootMailbox})
	}
	fmt.Fprintln(env.out, renderTable([]string{"Account", "Format", "Identity", "Root"}, rows))
	return nil
}

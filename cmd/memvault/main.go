package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/term"

	"memvault/internal/config"
	"memvault/internal/logging"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

// run parses flags, loads config and dispatches one command. It returns the
// process exit code.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("memvault", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	dir := fs.String("dir", "", "store directory (overrides config)")
	logLevel := fs.String("log-level", "", "log level (overrides config)")
	logFormat := fs.String("log-format", "", "log format: text or json (overrides config)")
	fs.Usage = func() { usage(fs, stderr) }
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}

	// CLI flags override config file values
	if *dir != "" {
		cfg.Store.Dir = *dir
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}
	if *logFormat != "" {
		cfg.Logging.Format = *logFormat
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	cfg.Store.Dir = config.ExpandHome(cfg.Store.Dir)
	logging.InitWriter(stderr, cfg.Logging.Level, cfg.Logging.Format)

	if fs.NArg() == 0 {
		usage(fs, stderr)
		return 2
	}
	name, rest := fs.Arg(0), fs.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n", name)
		usage(fs, stderr)
		return 2
	}
	if len(rest) < cmd.minArgs || len(rest) > cmd.maxArgs {
		fmt.Fprintf(stderr, "usage: memvault %s\n", cmd.usage)
		return 2
	}

	a := &app{
		cfg:    cfg,
		stdin:  bufio.NewReader(stdin),
		stdout: stdout,
		stderr: stderr,
	}
	a.passphrase = a.readPassphrase(stdin)
	if err := cmd.run(ctx, a, rest); err != nil {
		fmt.Fprintf(stderr, "memvault %s: %v\n", name, err)
		return 1
	}
	return 0
}

func usage(fs *flag.FlagSet, w io.Writer) {
	fmt.Fprintln(w, "usage: memvault [flags] <command> [args]")
	fmt.Fprintln(w, "\ncommands:")
	for _, name := range commandNames() {
		c := commands[name]
		fmt.Fprintf(w, "  %-32s %s\n", c.usage, c.help)
	}
	fmt.Fprintln(w, "\nflags:")
	fs.PrintDefaults()
}

// readPassphrase prompts without echo when stdin is a terminal. Otherwise
// the passphrase is the first line of stdin and the rest stays available
// to the command.
func (a *app) readPassphrase(stdin io.Reader) func(confirm bool) ([]byte, error) {
	return func(confirm bool) ([]byte, error) {
		if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			pass, err := prompt(f, "Passphrase: ")
			if err != nil {
				return nil, err
			}
			if confirm {
				again, err := prompt(f, "Confirm passphrase: ")
				if err != nil {
					return nil, err
				}
				if string(again) != string(pass) {
					return nil, errors.New("passphrases do not match")
				}
			}
			return pass, nil
		}
		line, err := a.stdin.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, fmt.Errorf("reading passphrase: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return nil, errors.New("empty passphrase")
		}
		return []byte(line), nil
	}
}

func prompt(f *os.File, msg string) ([]byte, error) {
	fmt.Fprint(os.Stderr, msg)
	defer fmt.Fprintln(os.Stderr)
	pass, err := term.ReadPassword(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("reading passphrase: %w", err)
	}
	if len(pass) == 0 {
		return nil, errors.New("empty passphrase")
	}
	return pass, nil
}

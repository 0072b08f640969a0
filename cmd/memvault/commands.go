package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"memvault/internal/codec"
	"memvault/internal/config"
	"memvault/internal/crypto"
	"memvault/internal/memstore"
)

type app struct {
	cfg        *config.Config
	stdin      *bufio.Reader
	stdout     io.Writer
	stderr     io.Writer
	passphrase func(confirm bool) ([]byte, error)
}

type command struct {
	usage   string
	help    string
	minArgs int
	maxArgs int
	run     func(ctx context.Context, a *app, args []string) error
}

var commands = map[string]command{
	"init": {
		usage: "init",
		help:  "create a new store",
		run:   cmdInit,
	},
	"put": {
		usage:   "put <id> <kind> [file|-]",
		help:    "store a JSON payload read from file or stdin",
		minArgs: 2, maxArgs: 3,
		run: cmdPut,
	},
	"get": {
		usage:   "get <id>",
		help:    "print an entry",
		minArgs: 1, maxArgs: 1,
		run: cmdGet,
	},
	"list": {
		usage: "list",
		help:  "list entry metadata",
		run:   cmdList,
	},
	"delete": {
		usage:   "delete <id>",
		help:    "delete an entry",
		minArgs: 1, maxArgs: 1,
		run: cmdDelete,
	},
	"clear": {
		usage: "clear",
		help:  "delete every entry",
		run:   cmdClear,
	},
	"verify": {
		usage: "verify",
		help:  "check every entry and report orphans",
		run:   cmdVerify,
	},
	"stats": {
		usage: "stats",
		help:  "print store statistics",
		run:   cmdStats,
	},
	"journal": {
		usage:   "journal [n]",
		help:    "print the last n journal events (default 20)",
		maxArgs: 1,
		run:     cmdJournal,
	},
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

func (a *app) options() memstore.Options {
	return memstore.Options{
		KDF:        a.cfg.KDFParams(),
		MaxPayload: a.cfg.Store.MaxPayloadBytes,
		Journal:    a.cfg.Store.Journal,
	}
}

// open opens an existing store. init is the only command that creates one.
func (a *app) open(ctx context.Context) (*memstore.Store, error) {
	if _, err := os.Stat(a.cfg.Store.Dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("no store at %s (run init first)", a.cfg.Store.Dir)
	}
	pass, err := a.passphrase(false)
	if err != nil {
		return nil, err
	}
	defer crypto.Zero(pass)
	return memstore.Open(ctx, a.cfg.Store.Dir, pass, a.options())
}

func (a *app) print(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func cmdInit(ctx context.Context, a *app, _ []string) error {
	if entries, err := os.ReadDir(a.cfg.Store.Dir); err == nil && len(entries) > 0 {
		return fmt.Errorf("%s is not empty", a.cfg.Store.Dir)
	}
	pass, err := a.passphrase(true)
	if err != nil {
		return err
	}
	defer crypto.Zero(pass)
	s, err := memstore.Open(ctx, a.cfg.Store.Dir, pass, a.options())
	if err != nil {
		return err
	}
	defer s.Close()
	st, err := s.Stats()
	if err != nil {
		return err
	}
	return a.print(st)
}

func cmdPut(ctx context.Context, a *app, args []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	var raw []byte
	if len(args) < 3 || args[2] == "-" {
		raw, err = io.ReadAll(a.stdin)
	} else {
		raw, err = os.ReadFile(args[2])
	}
	if err != nil {
		return fmt.Errorf("reading payload: %w", err)
	}
	payload, err := codec.PayloadFromJSON(raw)
	if err != nil {
		return err
	}
	v, err := s.Put(ctx, memstore.Entry{ID: args[0], Kind: args[1], Payload: payload})
	if err != nil {
		return err
	}
	return a.print(map[string]any{"id": args[0], "version": v})
}

type entryJSON struct {
	memstore.Meta
	Payload json.RawMessage `json:"payload"`
}

func cmdGet(ctx context.Context, a *app, args []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	e, err := s.Get(ctx, args[0])
	if err != nil {
		return err
	}
	payload, err := codec.PayloadToJSON(e.Payload)
	if err != nil {
		return err
	}
	return a.print(entryJSON{
		Meta:    memstore.Meta{ID: e.ID, Kind: e.Kind, Version: e.Version, CreatedAt: e.CreatedAt, UpdatedAt: e.UpdatedAt},
		Payload: payload,
	})
}

func cmdList(ctx context.Context, a *app, _ []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	list, err := s.List()
	if err != nil {
		return err
	}
	if list == nil {
		list = []memstore.Meta{}
	}
	return a.print(list)
}

func cmdDelete(ctx context.Context, a *app, args []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Delete(ctx, args[0]); err != nil {
		return err
	}
	return a.print(map[string]any{"id": args[0], "deleted": true})
}

func cmdClear(ctx context.Context, a *app, _ []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	if err := s.Clear(ctx); err != nil {
		return err
	}
	return a.print(map[string]any{"cleared": true})
}

func cmdVerify(ctx context.Context, a *app, _ []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	rep, err := s.Verify(ctx)
	if err != nil {
		return err
	}
	if err := a.print(rep); err != nil {
		return err
	}
	if !rep.Clean() {
		return errors.New("store has problems")
	}
	return nil
}

func cmdStats(ctx context.Context, a *app, _ []string) error {
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	st, err := s.Stats()
	if err != nil {
		return err
	}
	return a.print(map[string]any{"stats": st, "recovery": s.Recovery()})
}

func cmdJournal(ctx context.Context, a *app, args []string) error {
	n := 20
	if len(args) == 1 {
		v, err := strconv.Atoi(args[0])
		if err != nil || v < 0 {
			return fmt.Errorf("invalid count %q", args[0])
		}
		n = v
	}
	if !a.cfg.Store.Journal {
		return errors.New("journal is disabled (set store.journal = true)")
	}
	s, err := a.open(ctx)
	if err != nil {
		return err
	}
	defer s.Close()
	evs, err := s.Journal(n)
	if err != nil {
		return err
	}
	return a.print(evs)
}

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"assistcal/internal/assistant"
	"assistcal/internal/calerr"
	"assistcal/internal/config"
	"assistcal/internal/ics"
	appLog "assistcal/internal/log"
	"assistcal/internal/store"
	"assistcal/internal/store/icsfile"
	"assistcal/internal/store/sqlite"
)

const version = "0.1.0"

const defaultConfigPath = "/etc/assistcal/config.yaml"

// command is one CLI subcommand.
type command struct {
	name  string
	usage string
	run   func(ctx context.Context, args []string, out io.Writer) error
}

var commands = []command{
	{"serve", "run the HTTP API and refresh subscriptions on schedule", runServe},
	{"list", "list occurrences in a window", runList},
	{"search", "search titles and descriptions", runSearch},
	{"match", "show the preference rule matching some text", runMatch},
	{"add", "add an event", runAdd},
	{"delete", "delete an event (a whole series for recurring events)", runDelete},
	{"free", "find free slots", runFree},
	{"conflicts", "list occurrences overlapping an interval", runConflicts},
	{"expand", "expand a recurrence rule", runExpand},
	{"reschedule", "move one occurrence or a whole day", runReschedule},
	{"update-prefs", "create or patch a preference rule", runUpdatePrefs},
}

func main() {
	if len(os.Args) < 2 || os.Args[1] == "-h" || os.Args[1] == "help" {
		usage(os.Stderr)
		os.Exit(2)
	}
	if os.Args[1] == "version" {
		fmt.Println("assistcal", version)
		return
	}

	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		usage(os.Stderr)
		os.Exit(2)
	}

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		appLog.Info("signal received, shutting down", "signal", sig.String())
		cancel()
	}()

	if err := cmd.run(ctx, os.Args[2:], os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		appLog.Error(cmd.name+" failed", err)
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(exitCode(err))
	}
}

func usage(w io.Writer) {
	fmt.Fprintf(w, "assistcal %s\n\nUsage: assistcal <command> [flags]\n\nCommands:\n", version)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-13s %s\n", c.name, c.usage)
	}
	fmt.Fprintln(w, "\nRun 'assistcal <command> -h' for the flags of a command.")
}

// exitCode maps error kinds onto process exit codes: 2 for bad input, 3 for
// rejected bookings and moves, 1 for everything else.
func exitCode(err error) int {
	switch {
	case errors.Is(err, calerr.ErrInvalidInput),
		errors.Is(err, calerr.ErrInvalidInterval),
		errors.Is(err, calerr.ErrInvalidRule):
		return 2
	case errors.Is(err, calerr.ErrConflict), errors.Is(err, calerr.ErrReschedule):
		return 3
	default:
		return 1
	}
}

// app is the wired application: configuration, stores and the assistant.
type app struct {
	cfg   *config.Config
	svc   *assistant.Service
	subs  []*ics.Subscription
	close func() error
}

// openApp loads the configuration and wires the store stack: the writable
// primary store with every subscription overlaid read-only.
func openApp(cfgPath string) (*app, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	appLog.Setup(appLog.Options{Level: cfg.Log.Level, Format: cfg.Log.Format})

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	ww, err := cfg.WorkWindow()
	if err != nil {
		return nil, err
	}

	var (
		primary store.Store
		closeFn = func() error { return nil }
	)
	switch cfg.Store.Driver {
	case "ics":
		primary = icsfile.New(cfg.Store.Path, cfg.Store.Name, loc)
	default:
		db, err := sqlite.Open(cfg.Store.Path)
		if err != nil {
			return nil, err
		}
		primary = db
		closeFn = db.Close
	}

	a := &app{cfg: cfg, close: closeFn}
	st := primary
	if len(cfg.Subscriptions) > 0 {
		fetcher := ics.NewFetcher(cfg.CacheDir, cfg.FetchTimeout)
		multi := &store.Multi{Primary: primary}
		for _, sc := range cfg.Subscriptions {
			sub := ics.NewSubscription(ics.Feed{ID: sc.ID, Name: sc.Name, URL: sc.URL}, fetcher, loc)
			a.subs = append(a.subs, sub)
			multi.Sources = append(multi.Sources, sub)
		}
		st = multi
	}

	a.svc = assistant.New(st, assistant.Options{
		Location:               loc,
		FetchTimeout:           cfg.FetchTimeout,
		MaxOccurrencesPerEvent: cfg.MaxOccurrences,
		Horizon:                timeDays(cfg.HorizonDays),
		Work:                   &ww,
		PreferencesPath:        cfg.PreferencesPath,
		CacheSize:              cfg.Cache.Size,
		CacheTTL:               cfg.Cache.TTL,
	})

	appLog.Debug("effective config",
		"store", cfg.Store.Driver,
		"store_path", cfg.Store.Path,
		"timezone", cfg.Timezone,
		"subscriptions", len(cfg.Subscriptions),
		"horizon_days", cfg.HorizonDays,
	)
	return a, nil
}

func (a *app) Close() {
	if err := a.close(); err != nil {
		appLog.Error("failed to close store", err)
	}
}

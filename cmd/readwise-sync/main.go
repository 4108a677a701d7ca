package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/alexjbarnes/readwise-sync/internal/config"
	"github.com/alexjbarnes/readwise-sync/internal/logging"
	"github.com/alexjbarnes/readwise-sync/internal/readwise"
	"github.com/alexjbarnes/readwise-sync/internal/refresh"
	"github.com/alexjbarnes/readwise-sync/internal/scheduler"
	"github.com/alexjbarnes/readwise-sync/internal/state"
	"github.com/alexjbarnes/readwise-sync/internal/syncer"
	"github.com/alexjbarnes/readwise-sync/internal/vault"
)

var Version = "dev"

func main() {
	// `readwise-sync once` runs a single sync cycle and exits instead of
	// starting the daemon.
	once := len(os.Args) > 1 && os.Args[1] == "once"

	if err := run(once); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(once bool) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := logging.NewLogger(cfg.Environment)
	logger.Info("readwise-sync starting",
		slog.String("version", Version),
		slog.String("base_dir", cfg.BaseDir),
		slog.Int("interval_minutes", cfg.IntervalMinutes),
		slog.Bool("once", once),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := state.Open(cfg.StateDBPath)
	if err != nil {
		return fmt.Errorf("opening state db: %w", err)
	}
	defer store.Close()

	client := readwise.NewClient(nil, cfg.APIBaseURL)

	if err := authenticate(ctx, client, cfg, store, logger); err != nil {
		return err
	}

	v, err := vault.New(cfg.BaseDir)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}

	queue := refresh.NewQueue(store, client, 0, logger)
	defer queue.Close()

	engine := syncer.New(syncer.Config{
		API:   client,
		Store: store,
		Vault: v,
		Queue: queue,
	}, logger)

	if once {
		if err := engine.Resume(ctx); err != nil {
			return fmt.Errorf("resuming interrupted sync: %w", err)
		}

		return engine.RunOnce(ctx)
	}

	sched := scheduler.New(engine, cfg.IntervalMinutes, logger)
	watcher := vault.NewWatcher(v, store, queue, cfg.RefreshDeleted, logger)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return sched.Run(gctx, cfg.SyncOnStart)
	})

	g.Go(func() error {
		return watcher.Watch(gctx)
	})

	err = g.Wait()
	if ctx.Err() != nil {
		logger.Info("shutting down")
		return nil
	}

	return err
}

// authenticate makes sure the client has a usable access token. The
// client id is generated once and persisted; the token comes from the
// cached copy or, on first run, the browser handshake.
func authenticate(ctx context.Context, client *readwise.Client, cfg *config.Config, store *state.Store, logger *slog.Logger) error {
	clientID := store.ClientID()
	if clientID == "" {
		id, err := readwise.NewClientID()
		if err != nil {
			return err
		}

		if err := store.SetClientID(id); err != nil {
			return fmt.Errorf("persisting client id: %w", err)
		}

		clientID = id
		logger.Debug("generated client id")
	}

	if token := store.Token(); token != "" {
		logger.Debug("using cached token")
		client.SetCredentials(token, clientID)

		return nil
	}

	logger.Info("no cached token, starting browser authentication",
		slog.String("url", client.AuthURL(clientID)),
	)

	openPage := readwise.OpenBrowser
	if !cfg.OpenBrowser {
		openPage = nil
	}

	token, err := client.Authenticate(ctx, clientID, openPage)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	if err := store.SetToken(token); err != nil {
		return fmt.Errorf("persisting token: %w", err)
	}

	client.SetCredentials(token, clientID)
	logger.Info("authenticated")

	return nil
}

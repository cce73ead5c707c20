package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Jeff-Emmett/rspace-online/pkg/api"
	"github.com/Jeff-Emmett/rspace-online/pkg/config"
	"github.com/Jeff-Emmett/rspace-online/pkg/peers"
	"github.com/Jeff-Emmett/rspace-online/pkg/persist"
	"github.com/Jeff-Emmett/rspace-online/pkg/reconcile"
	"github.com/Jeff-Emmett/rspace-online/pkg/relay"
	"github.com/Jeff-Emmett/rspace-online/pkg/store"
)

const (
	statsInterval   = time.Minute
	shutdownTimeout = 10 * time.Second
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.resolve(cmd)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&opts.addr, "addr", "", "the address to listen on")
	return cmd
}

func relayOptions(cfg config.Config) relay.Options {
	opts := relay.DefaultOptions()
	opts.PingInterval = cfg.WSPingInterval.Std()
	opts.PongWait = cfg.WSPongWait.Std()
	opts.SendBuffer = cfg.WSSendBuffer
	opts.MaxMessageBytes = cfg.WSMaxMessageBytes
	opts.MessagesPerSecond = cfg.WSMessagesPerSecond
	opts.MessageBurst = cfg.WSMessageBurst
	return opts
}

func serve(ctx context.Context, cfg config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("failed to close storage", "err", err)
		}
	}()

	var st *store.Store
	scheduler := persist.New(cfg.PersistQuietPeriod.Std(), func(ctx context.Context, docID string) error {
		return st.Persist(ctx, docID)
	})
	st = store.New(backend, store.WithScheduler(scheduler))

	table := peers.NewTable()
	registry := relay.NewRegistry(table)
	engine := reconcile.New(st, table, registry)
	r := api.NewRouter(st, relay.NewHandler(st, engine, registry, relayOptions(cfg)), cfg.DocumentURL)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	wg := new(sync.WaitGroup)

	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(statsInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				slog.Info("relay stats", "documents", len(st.Resident()), "peers", registry.Len(), "pending_writes", scheduler.Pending())
				for docID, ids := range table.Idle(cfg.WSPongWait.Std()) {
					slog.Warn("peers idle past pong wait", "doc", docID, "peers", ids)
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	httpServer := &http.Server{Addr: cfg.Addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	listenErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		slog.Info("listening", "addr", cfg.Addr, "storage", cfg.Storage, "quiet_period", scheduler.QuietPeriod())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErr <- err
		}
		close(listenErr)
	}()

	exit := make(chan os.Signal, 1) // buffered so the notifier is never blocked
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(exit)
	var serveErr error
	select {
	case sig := <-exit:
		slog.Info("Signal caught", "sig", sig)
	case err := <-listenErr:
		if err != nil {
			serveErr = fmt.Errorf("server listen failed: %w", err)
		}
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	registry.CloseAll()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("failed to shut down http server", "err", err)
	}
	wg.Wait()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		return errors.Join(serveErr, err)
	}
	slog.Info("flushed documents", "documents", len(st.Resident()))
	return serveErr
}

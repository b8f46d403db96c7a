// Command shardfsd wires the engine's collaborators together and
// exposes a metrics/health endpoint. It is smoke-test wiring, not a
// protocol-layer implementation: no NFS/FUSE/gRPC frontend is started
// here, since the frontend protocol is explicitly out of scope
// (spec.md §1). It exists so the engine has somewhere to run and be
// observed. Layout follows cuemby-warren/cmd/warren/main.go's cobra
// root command and persistent flags.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/shardfs/shardfs/datastore/boltstore"
	"github.com/shardfs/shardfs/internal/xlog"
	"github.com/shardfs/shardfs/merkle"
	"github.com/shardfs/shardfs/namespace"
	"github.com/shardfs/shardfs/shamir"
	"github.com/shardfs/shardfs/shamir/testshare"
	"github.com/shardfs/shardfs/vfs"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "shardfsd",
	Short:   "shardfs engine: KV-backed virtual filesystem with secret-shared payloads and Merkle-audited mutations",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("shardfsd version %s (%s)\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	cobra.OnInitialize(initLogging)
	rootCmd.AddCommand(serveCmd)
}

func initLogging() {
	levelStr, _ := rootCmd.PersistentFlags().GetString("log-level")
	jsonOut, _ := rootCmd.PersistentFlags().GetBool("log-json")
	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}
	xlog.Init(xlog.Config{Level: level, JSON: jsonOut})
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "run the engine against a bbolt-backed datastore and serve a metrics/health endpoint",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().String("db-path", "shardfs.db", "path to the bbolt database file")
	serveCmd.Flags().String("namespace", "default", "namespace identifier")
	serveCmd.Flags().String("addr", ":9100", "address for the /metrics and /healthz endpoints")
	serveCmd.Flags().Bool("read-only", false, "mount the namespace read-only")
	serveCmd.Flags().Duration("merkle-window", 24*time.Hour, "audit window duration before rotation")
}

func runServe(cmd *cobra.Command, args []string) error {
	log := xlog.Component("shardfsd")

	dbPath, _ := cmd.Flags().GetString("db-path")
	ns, _ := cmd.Flags().GetString("namespace")
	addr, _ := cmd.Flags().GetString("addr")
	readOnly, _ := cmd.Flags().GetBool("read-only")
	windowDuration, _ := cmd.Flags().GetDuration("merkle-window")

	store, err := boltstore.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open datastore: %w", err)
	}
	defer store.Close()

	tag := namespace.New(ns)

	registry := prometheus.NewRegistry()
	merkleMetrics := merkle.NewMetrics(registry)
	sink := merkle.New(store, tag.String(), merkle.Options{WindowDuration: windowDuration}, merkleMetrics)

	share := testshare.New(shamir.DefaultConfig())
	log.Warn().Msg("using shamir/testshare: a non-cryptographic byte-split fixture, not a real threshold scheme (see spec.md §6 and DESIGN.md)")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := vfs.New(ctx, store, share, sink, tag, vfs.Options{
		ReadOnly: readOnly,
	})
	if err != nil {
		return fmt.Errorf("construct engine: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	httpServer := &http.Server{Addr: addr, Handler: mux}
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("namespace", ns).Bool("read_only", readOnly).
			Msg("serving metrics and health endpoints")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-serverErr:
		log.Error().Err(err).Msg("http server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown did not complete cleanly")
	}
	if err := engine.Close(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("engine shutdown did not complete cleanly")
	}
	return nil
}

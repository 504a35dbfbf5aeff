package ctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/felixge/fgprof"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stratumdb/stratum"
	"github.com/stratumdb/stratum/cleaner"
	"github.com/stratumdb/stratum/errors"
	"github.com/stratumdb/stratum/logger"
)

// CleanCommand reclaims deleted chunk files and expired metadata rows. The
// default is a single pass over both; Daemon keeps the periodic job running
// until SIGINT or SIGTERM, with metrics and profiles served on the debug
// listener.
type CleanCommand struct {
	Config *stratum.Config

	// Daemon runs the periodic job instead of a single pass.
	Daemon bool

	// Standard input/output
	*stratum.CmdIO

	// addr is the debug listener's bound address, set before started is
	// closed. Tests bind ":0" and read the port from here.
	addr    net.Addr
	started chan struct{}
}

// NewCleanCommand returns a new instance of CleanCommand.
func NewCleanCommand(stdin io.Reader, stdout, stderr io.Writer) *CleanCommand {
	return &CleanCommand{
		Config:  stratum.NewConfig(),
		CmdIO:   stratum.NewCmdIO(stdin, stdout, stderr),
		started: make(chan struct{}),
	}
}

// Started is closed once the daemon's job and debug listener are running. It
// never closes in single-pass mode.
func (cmd *CleanCommand) Started() <-chan struct{} { return cmd.started }

// DebugAddr returns the debug listener's bound address. It is nil until
// Started closes.
func (cmd *CleanCommand) DebugAddr() net.Addr { return cmd.addr }

// Run executes the clean command.
func (cmd *CleanCommand) Run(ctx context.Context) error {
	if err := expandConfig(cmd.Config); err != nil {
		return err
	}
	log, err := cmd.setupLogger()
	if err != nil {
		return err
	}

	db, md, err := openMetadata(cmd.Config, log)
	if err != nil {
		return err
	}
	defer db.Close()

	store, err := newChunkStore(cmd.Config)
	if err != nil {
		return err
	}

	c := cleaner.New(md, store, cleaner.Config{
		ChunkGracePeriod:  time.Duration(cmd.Config.Cleaner.ChunkGracePeriod),
		MetadataRetention: time.Duration(cmd.Config.Cleaner.MetadataRetention),
		Concurrency:       cmd.Config.Cleaner.Concurrency,
		Logger:            log,
	})

	if cmd.Daemon {
		return cmd.runDaemon(ctx, c, log)
	}

	if err := c.RemoveChunks(ctx); err != nil {
		return err
	}
	if err := c.RemoveTablesAndTransactions(ctx); err != nil {
		return err
	}
	log.Printf("clean pass complete")
	return nil
}

// setupLogger builds the command's logger from the config, writing to the
// configured log file when one is set and reopening it on SIGHUP so external
// rotation works.
func (cmd *CleanCommand) setupLogger() (logger.Logger, error) {
	var out io.Writer = cmd.Stderr
	if cmd.Config.LogPath != "" {
		f, err := logger.NewFileWriter(cmd.Config.LogPath)
		if err != nil {
			return nil, errors.Wrap(err, "opening log file")
		}
		out = f

		sighup := make(chan os.Signal, 1)
		signal.Notify(sighup, syscall.SIGHUP)
		go func() {
			for range sighup {
				if err := f.Reopen(); err != nil {
					fmt.Fprintf(cmd.Stderr, "reopen log file: %v\n", err)
				}
			}
		}()
	}
	if cmd.Config.Verbose {
		return logger.NewVerboseLogger(out), nil
	}
	return logger.NewStandardLogger(out), nil
}

// runDaemon runs the periodic job until the context is canceled or a
// shutdown signal arrives.
func (cmd *CleanCommand) runDaemon(ctx context.Context, c *cleaner.Cleaner, log logger.Logger) error {
	interval := time.Duration(cmd.Config.Cleaner.Interval)
	job := cleaner.NewJob(c, interval, log)
	job.Start()
	defer job.Stop()

	if cmd.Config.BindDebug != "" {
		ln, err := net.Listen("tcp", cmd.Config.BindDebug)
		if err != nil {
			return errors.Wrapf(err, "listening on %s", cmd.Config.BindDebug)
		}
		cmd.addr = ln.Addr()

		srv := &http.Server{Handler: newDebugRouter(job)}
		go func() {
			if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
				log.Errorf("debug listener terminated: %s", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := srv.Shutdown(shutdownCtx); err != nil {
				srv.Close()
			}
		}()
		log.Printf("debug listener on %s", cmd.addr)
	}

	log.Printf("cleaner daemon running: chunks every %s, tables/transactions every %s",
		interval/10, interval)
	close(cmd.started)

	// First signal shuts down gracefully, a second one hard-exits.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)

	select {
	case s := <-sig:
		fmt.Fprintf(cmd.Stderr, "received %s; shutting down...\n", s)
		go func() { <-sig; os.Exit(1) }()
	case <-ctx.Done():
	}
	return nil
}

// newDebugRouter serves metrics, profiles, and a status summary for the
// daemon.
func newDebugRouter(job *cleaner.Job) http.Handler {
	router := mux.NewRouter()
	router.PathPrefix("/debug/pprof/").Handler(http.DefaultServeMux).Methods("GET")
	router.PathPrefix("/debug/fgprof").Handler(fgprof.Handler()).Methods("GET")
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(struct {
			State      string `json:"state"`
			ErrorCount int64  `json:"errorCount"`
		}{
			State:      "RUNNING",
			ErrorCount: job.ErrorCount(),
		})
	}).Methods("GET")
	return router
}

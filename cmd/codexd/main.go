// codexd is the local control-plane daemon for Studio AI authoring: it
// brokers the single-primary lease and transaction queue, stores exported
// context snapshots and bridges codex worker jobs over a filesystem queue.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/persponify/codexd/internal/action"
	"github.com/persponify/codexd/internal/api"
	"github.com/persponify/codexd/internal/audit"
	"github.com/persponify/codexd/internal/bridge"
	"github.com/persponify/codexd/internal/broker"
	"github.com/persponify/codexd/internal/config"
	"github.com/persponify/codexd/internal/log"
	"github.com/persponify/codexd/internal/persist"
	"github.com/persponify/codexd/internal/semantic"
	"github.com/persponify/codexd/internal/store"
	"github.com/persponify/codexd/internal/version"
)

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	if *showVersion {
		fmt.Printf("codexd %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		os.Exit(0)
	}
	if *configPath != "" {
		os.Setenv("CODEXD_CONFIG", *configPath)
	}

	log.Configure(log.Config{Service: "codexd"})
	logger := log.WithComponent("daemon")

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.EnsureDirs(); err != nil {
		logger.Fatal().Err(err).Msg("failed to create queue directories")
	}

	releaseLock, err := acquireWorkerLock(cfg.WorkerLockPath())
	if err != nil {
		logger.Fatal().Err(err).Str("path", cfg.WorkerLockPath()).Msg("worker lock held")
	}
	defer releaseLock()

	var db *persist.DB
	if cfg.SQLiteEnabled {
		db, err = persist.Open(cfg.SQLitePath, cfg.SQLiteBusyTimeout)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.SQLitePath).Msg("failed to open sqlite mirror")
		}
		defer db.Close()
	}

	auditLedger := audit.NewAudit(cfg.AuditLogPath(), db, cfg.AuditLedgerLimit)
	contextEvents := audit.NewContextEvents(cfg.ContextEventsPath(), db, cfg.AuditLedgerLimit)

	saveQueueState := func(st broker.State) {
		if err := persist.WriteAtomicJSON(cfg.QueueStatePath(), st); err != nil {
			logger.Warn().Err(err).Msg("queue state write failed")
		}
		if db != nil {
			if err := db.SaveQueueState(st.Seq, time.Now(), st); err != nil {
				logger.Warn().Err(err).Msg("queue state mirror failed")
			}
		}
	}

	br := broker.New(broker.Options{
		HeartbeatTTL:       cfg.HeartbeatTTL,
		ClaimTTL:           cfg.ClaimTTL,
		DefaultWaitTimeout: cfg.DefaultWaitTimeout,
		MaxQueue:           cfg.MaxQueue,
		Persist:            saveQueueState,
	})
	restoreQueueState(br, cfg, db)

	st := store.New(store.Options{
		Dir:               cfg.ContextDir(),
		DeltaMaxItems:     cfg.DeltaMaxItems,
		MinInterval:       cfg.ContextMinInterval,
		ReconcileInterval: cfg.ReconcileInterval,
		SemanticEnabled:   cfg.SemanticEnabled,
		SemanticLimits: semantic.Limits{
			KeywordLimit:   cfg.SemanticKeywordLimit,
			SymbolLimit:    cfg.SemanticSymbolLimit,
			MaxRequires:    cfg.SemanticMaxRequires,
			MaxServices:    cfg.SemanticMaxServices,
			MaxSourceBytes: cfg.SemanticMaxSourceBytes,
		},
		DB:     db,
		Events: contextEvents,
		Audit:  auditLedger,
	})

	policy := action.Policy{
		Profile:        cfg.PolicyProfile,
		MaxActions:     cfg.MaxActions,
		MaxSourceBytes: cfg.MaxSourceBytes,
		SafeEditBytes:  cfg.SafeEditBytes,
		ProtectedRoots: cfg.ProtectedRoots,
		AllowedRoots:   cfg.AllowedRoots,
		DenyActions:    cfg.DenyActions,
	}
	bg := bridge.New(bridge.Options{
		JobsDir:           cfg.JobsDir(),
		ResponsesDir:      cfg.ResponsesDir(),
		AcksDir:           cfg.AcksDir(),
		ErrorsDir:         cfg.ErrorsDir(),
		ContextDir:        cfg.ContextDir(),
		JobTTL:            cfg.JobTTL,
		AutoRepair:        cfg.AutoRepair,
		RepairMaxAttempts: cfg.RepairMaxAttempts,
		RepairCooldown:    cfg.RepairCooldown,
		PacksEnabled:      cfg.PacksEnabled,
		Pack: bridge.PackLimits{
			MaxItems:        cfg.PackMaxItems,
			MaxEdges:        cfg.PackMaxEdges,
			MaxRequires:     cfg.PackMaxRequires,
			MaxSnapshots:    cfg.PackMaxSnapshots,
			ScriptIndexMax:  cfg.ScriptIndexMax,
			FocusMaxScripts: cfg.FocusMaxScripts,
			FocusMaxBytes:   cfg.FocusMaxBytes,
		},
		Policy:  policy,
		MaxRisk: cfg.MaxRisk,
		Broker:  br,
		Store:   st,
		Audit:   auditLedger,
		Events:  contextEvents,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	server := api.New(api.Options{
		Config:   cfg,
		Broker:   br,
		Store:    st,
		Bridge:   bg,
		Audit:    auditLedger,
		Events:   contextEvents,
		Shutdown: stop,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("version", version.Version).
		Str("addr", cfg.ListenAddr).
		Str("queueDir", cfg.QueueDir).
		Bool("sqlite", cfg.SQLiteEnabled).
		Msg("starting codexd")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		if err := st.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		if err := bg.Watch(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Fatal().Err(err).Msg("daemon failed")
	}
	logger.Info().Msg("server exiting")
}

// restoreQueueState reloads the durable queue snapshot. The JSON file is
// the primary source, the SQLite mirror the fallback.
func restoreQueueState(br *broker.Broker, cfg config.Config, db *persist.DB) {
	var st broker.State
	if err := persist.ReadJSON(cfg.QueueStatePath(), &st); err == nil && (st.Seq > 0 || len(st.Queue) > 0) {
		br.Restore(st)
		return
	}
	if db == nil {
		return
	}
	var mirrored broker.State
	if ok, err := db.LoadQueueState(&mirrored); err == nil && ok {
		br.Restore(mirrored)
	}
}

// acquireWorkerLock claims the queue root for this process via a pid file.
// A lock left behind by a dead process is taken over.
func acquireWorkerLock(path string) (func(), error) {
	if raw, err := os.ReadFile(path); err == nil {
		pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
		if err == nil && pid > 0 && pid != os.Getpid() && processAlive(pid) {
			return nil, fmt.Errorf("another instance holds the lock (pid %d)", pid)
		}
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())+"\n"), 0o644); err != nil {
		return nil, err
	}
	return func() { _ = os.Remove(path) }, nil
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// Command server runs the local observability plane for agent sessions: it
// tails session transcripts under the agent home, mirrors runner executions,
// and pushes snapshots and deltas to WebSocket clients on /ws.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/lm-assist/backend/internal/aggregate"
	"github.com/lm-assist/backend/internal/cache"
	"github.com/lm-assist/backend/internal/config"
	"github.com/lm-assist/backend/internal/executions"
	"github.com/lm-assist/backend/internal/mock"
	"github.com/lm-assist/backend/internal/monitor"
	"github.com/lm-assist/backend/internal/paths"
	"github.com/lm-assist/backend/internal/session"
	"github.com/lm-assist/backend/internal/tasks"
	"github.com/lm-assist/backend/internal/watch"
	"github.com/lm-assist/backend/internal/ws"
)

func main() {
	configPath := flag.String("config", "", "path to a config.yaml; defaults apply when missing")
	host := flag.String("host", "", "listen host override")
	port := flag.Int("port", 0, "listen port override")
	home := flag.String("home", "", "agent home directory (default: $CLAUDE_HOME or ~/.claude)")
	project := flag.String("project", "", "project working directory (default: cwd)")
	token := flag.String("token", "", `access token override; "auto" generates one`)
	mockMode := flag.Bool("mock", false, "seed demo sessions and a fake runner")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port > 0 {
		cfg.Server.Port = *port
	}
	if *token != "" {
		cfg.Server.Token = *token
	}
	if cfg.Server.Token == "auto" {
		cfg.Server.Token = config.GenerateToken()
		log.Printf("[server] generated access token: %s", cfg.Server.Token)
	}
	for _, line := range config.Diff(config.Default(), cfg) {
		log.Printf("[config] %s", line)
	}

	projectPath := *project
	if projectPath == "" {
		cwd, err := os.Getwd()
		if err != nil {
			log.Fatalf("[server] getwd: %v", err)
		}
		projectPath = cwd
	}

	res, err := paths.NewResolver(*home)
	if err != nil {
		log.Fatalf("[server] resolver: %v", err)
	}
	log.Printf("[server] project %s (agent home %s)", projectPath, res.Home)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := cache.New(cache.Options{
		TTL:                cfg.Cache.SessionTTL(),
		WarmingConcurrency: cfg.Cache.WarmingConcurrency,
	})
	if cfg.PersistEnabled {
		if n, err := c.LoadPersisted(projectPath); err != nil {
			log.Printf("[server] loading cached views: %v", err)
		} else if n > 0 {
			log.Printf("[server] restored %d cached views", n)
		}
	}
	if n := c.WarmProject(ctx, res.ProjectDir(projectPath)); n > 0 {
		log.Printf("[server] warmed %d sessions", n)
	}

	sessions := aggregate.New(c, res)

	execOpts := executions.Options{
		MaxEvents:     cfg.Executions.MaxEvents,
		MaxExecutions: cfg.Executions.MaxExecutions,
		CleanupAge:    cfg.Executions.CleanupAge(),
	}
	if cfg.PersistEnabled {
		execOpts.Dir = paths.StateDir(projectPath)
	}
	execStore := executions.New(execOpts)
	defer execStore.Close()
	if cfg.PersistEnabled {
		if n, err := execStore.Load(); err != nil {
			log.Printf("[server] loading executions: %v", err)
		} else if n > 0 {
			log.Printf("[server] restored %d executions", n)
		}
	}

	taskStore := tasks.New(c, res, tasks.Options{
		ProjectPath: projectPath,
		AutoRefresh: cfg.Tasks.AutoRefresh(),
		AutoPersist: cfg.PersistEnabled,
	})
	defer taskStore.Close()
	if cfg.PersistEnabled {
		if n, err := taskStore.Load(); err != nil {
			log.Printf("[server] loading tasks: %v", err)
		} else if n > 0 {
			log.Printf("[server] restored %d tasks", n)
		}
	}
	if err := taskStore.Refresh(); err != nil {
		log.Printf("[server] initial task scan: %v", err)
	}

	var mon *monitor.Monitor
	if cfg.Monitor.Enabled {
		mon = monitor.New(execStore, monitor.Options{
			PollInterval: cfg.Monitor.PollInterval(),
		})
		defer mon.Close()
	}

	broadcaster := ws.NewBroadcaster(ws.Options{
		ProjectPath: projectPath,
		Sessions:    sessions,
		Executions:  execStore,
		Tasks:       taskStore,
		Monitor:     mon,
		Cache:       c,
		Filter:      cfg.Privacy.NewPrivacyFilter(),
		Throttle:    cfg.Monitor.BroadcastThrottle(),
	})
	defer broadcaster.Stop()
	defer execStore.Subscribe(broadcaster.QueueExecution)()
	defer taskStore.Subscribe(broadcaster.QueueTask)()

	watcher, err := watch.New(cfg.Watch.Debounce())
	if err != nil {
		log.Fatalf("[server] watcher: %v", err)
	}
	defer watcher.Close()
	// The projects root may not exist until the agent records a session.
	if err := watcher.WatchProjectsRoot(res.ProjectsRoot()); err != nil {
		log.Printf("[server] watching %s: %v", res.ProjectsRoot(), err)
	}
	go pumpBatches(ctx, watcher, c, taskStore, mon, broadcaster, cfg)

	if *mockMode {
		log.Println("[server] mock mode: seeding demo data")
		gen := mock.NewGenerator(res, execStore, projectPath)
		gen.Start(ctx)
		if mon != nil {
			go mon.Run(ctx, gen.Events())
		}
	}

	mux := http.NewServeMux()
	ws.NewServer(broadcaster, cfg.Server.AllowedOrigins, cfg.Server.Token).SetupRoutes(mux)

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: mux,
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("[server] shutting down")
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("[server] shutdown: %v", err)
		}
	}()

	log.Printf("[server] listening on %s", srv.Addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalf("[server] serve: %v", err)
	}

	if cfg.PersistEnabled {
		if err := c.Persist(res.ProjectDir(projectPath), projectPath); err != nil {
			log.Printf("[server] persisting cache: %v", err)
		}
		if err := taskStore.Persist(); err != nil {
			log.Printf("[server] persisting tasks: %v", err)
		}
	}
}

// pumpBatches applies watcher batches until the context ends: refresh
// changed transcripts, invalidate removed ones, push session changes, and
// rescan the task projection.
func pumpBatches(ctx context.Context, w *watch.Watcher, c *cache.Cache, taskStore *tasks.Store, mon *monitor.Monitor, b *ws.Broadcaster, cfg *config.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-w.Batches():
			if !ok {
				return
			}
			applyBatch(batch, c, taskStore, mon, b, cfg)
		}
	}
}

func applyBatch(batch watch.Batch, c *cache.Cache, taskStore *tasks.Store, mon *monitor.Monitor, b *ws.Broadcaster, cfg *config.Config) {
	now := time.Now().UTC()
	for _, ch := range batch.Changes {
		// Subagent transcripts feed conversation reads but have no
		// session lifecycle of their own.
		if isAgentFile(ch.Path) {
			c.Invalidate(ch.Path)
			continue
		}
		sid := paths.SessionIDFromPath(ch.Path)

		if ch.Kind == watch.KindUnlink {
			c.Invalidate(ch.Path)
			b.QueueSessionChange(ws.SessionChange{SessionID: sid, Kind: ch.Kind})
			continue
		}

		view, meta, err := c.Refresh(ch.Path)
		if err != nil {
			log.Printf("[server] refreshing %s: %v", sid, err)
			continue
		}
		status := session.ClassifyStatus(view, meta.Mtime, now)
		if mon != nil {
			status = mon.ConfirmStatus(status, view.ProjectPath)
		}
		b.QueueSessionChange(ws.SessionChange{
			SessionID:     sid,
			ProjectPath:   view.ProjectPath,
			Kind:          ch.Kind,
			Status:        status,
			Model:         view.Model,
			ContextWindow: cfg.MaxContextTokens(view.Model),
			FileSize:      meta.Size,
			LastModified:  meta.Mtime,
		})
	}

	if err := taskStore.Refresh(); err != nil {
		log.Printf("[server] task scan: %v", err)
	}
}

func isAgentFile(path string) bool {
	if strings.HasPrefix(filepath.Base(path), "agent-") {
		return true
	}
	return filepath.Base(filepath.Dir(path)) == "subagents"
}

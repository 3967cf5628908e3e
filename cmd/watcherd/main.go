package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"instancewatch.app/internal/config"
	"instancewatch.app/internal/directory"
	"instancewatch.app/internal/feed"
	"instancewatch.app/internal/persistence/journal"
	"instancewatch.app/internal/persistence/metacache"
	"instancewatch.app/internal/protocol"
	"instancewatch.app/internal/session"
	"instancewatch.app/internal/transport/observer"
)

func main() {
	var (
		configPath = flag.String("config", "./configs/watcherd.yaml", "config path")
		addr       = flag.String("addr", "127.0.0.1:8471", "http listen address")
		fromStart  = flag.Bool("from_start", false, "read the newest log file from the beginning (in addition to config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[watcherd] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(cfg.Feed.LogDir) == "" {
		logger.Fatalf("config: feed.log_dir is required")
	}

	ctx, cancel := signalContext()
	defer cancel()

	var cache directory.MetaCache
	if cfg.Metacache.Enabled {
		mc, err := metacache.Open(cfg.Metacache.Path, logger)
		if err != nil {
			logger.Fatalf("open metacache: %v", err)
		}
		defer mc.Close()
		cache = mc
		logger.Printf("metacache at %s", cfg.Metacache.Path)
	}

	var jw *journal.Writer
	if cfg.Journal.Enabled {
		jw = journal.NewWriter(cfg.Journal.Dir)
		defer jw.Close()
		logger.Printf("journaling events to %s", cfg.Journal.Dir)
	}

	var (
		client   *directory.Client
		provider *directory.InstanceProvider
	)
	if strings.TrimSpace(cfg.Directory.BaseURL) != "" {
		client, err = directory.NewClient(directory.ClientConfig{
			BaseURL:   cfg.Directory.BaseURL,
			APIKey:    cfg.Directory.APIKey,
			UserAgent: cfg.Directory.UserAgent,
			Timeout:   cfg.Directory.RequestTimeout(),
			Logger:    logger,
		})
		if err != nil {
			logger.Fatalf("directory client: %v", err)
		}
		provider = directory.NewInstanceProvider(client, cfg.Directory.Refresh(), logger)
	} else {
		logger.Printf("directory disabled (no base_url); correlation limited to the selected-group fallback")
	}

	// The scanner and resolver submit back into the engine; bind them through
	// eng, assigned right below. Their goroutines start after the assignment.
	var eng *session.Engine
	submit := func(ctx context.Context, ev protocol.Event) error { return eng.Submit(ctx, ev) }

	var (
		scanner *directory.Scanner
		names   *directory.WorldNames
	)
	if client != nil {
		scanner = directory.NewScanner(client, cache,
			func() session.Snapshot { return eng.Snapshot() }, submit,
			directory.ScannerConfig{
				Interval:  cfg.Enrichment.ScanInterval(),
				QueueSize: cfg.Enrichment.QueueSize,
				Logger:    logger,
			})
		names = directory.NewWorldNames(client, cache, submit, logger)
	}

	scfg := session.Config{
		Logger:    logger,
		QueueSize: cfg.Session.QueueSize,
	}
	if provider != nil {
		scfg.Directory = provider
	}
	if scanner != nil {
		scfg.Enrichment = scanner
	}
	eng = session.New(scfg)

	if cfg.SelectedGroupID != "" {
		if provider != nil {
			provider.SetGroup(cfg.SelectedGroupID)
		}
		if err := eng.Submit(ctx, &protocol.GroupChanged{
			Type:    protocol.TypeGroupChanged,
			GroupID: cfg.SelectedGroupID,
		}); err != nil {
			logger.Fatalf("seed group selection: %v", err)
		}
		logger.Printf("selected group %s", cfg.SelectedGroupID)
	}

	go func() {
		if err := eng.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("engine stopped: %v", err)
		}
	}()
	if provider != nil {
		go func() {
			if err := provider.Run(ctx); err != nil && err != context.Canceled {
				logger.Printf("instance provider stopped: %v", err)
			}
		}()
	}
	if scanner != nil {
		go func() {
			if err := scanner.Run(ctx); err != nil && err != context.Canceled {
				logger.Printf("enrichment scanner stopped: %v", err)
			}
		}()
	}

	tailer := feed.NewTailer(feed.Config{
		Dir:          cfg.Feed.LogDir,
		Pattern:      cfg.Feed.FilePattern,
		PollInterval: cfg.Feed.PollInterval(),
		FromStart:    cfg.Feed.FromStart || *fromStart,
		Logger:       logger,
	})
	go func() {
		if err := tailer.Run(ctx); err != nil && err != context.Canceled {
			logger.Printf("feed tailer stopped: %v", err)
		}
	}()

	// Pump: every feed event is journaled, location changes kick async world
	// name resolution, then the event enters the queue in file order.
	go func() {
		for ev := range tailer.Events() {
			if jw != nil {
				if err := jw.Append(ev); err != nil {
					logger.Printf("journal append: %v", err)
				}
			}
			if lc, ok := ev.(*protocol.LocationChanged); ok && names != nil {
				if loc, ok := session.NormalizeLocation(lc.WorldID, lc.InstanceID, lc.RawLocation); ok {
					names.Kick(ctx, loc.WorldID)
				}
			}
			if err := eng.Submit(ctx, ev); err != nil {
				return
			}
		}
	}()

	var groups observer.GroupSelector
	if provider != nil {
		groups = provider
	}
	obsSrv := observer.NewServer(eng, groups, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")

		m := eng.Metrics()
		h := eng.Health()

		// Minimal Prometheus exposition format.
		fmt.Fprintf(rw, "# HELP instancewatch_session_phase Session phase (one-hot).\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_session_phase gauge\n")
		for _, ph := range []session.Phase{session.PhaseNoWorld, session.PhaseRoaming, session.PhaseGroupInstance, session.PhaseClosed} {
			v := 0
			if m.Phase == ph {
				v = 1
			}
			fmt.Fprintf(rw, "instancewatch_session_phase{phase=%q} %d\n", string(ph), v)
		}

		fmt.Fprintf(rw, "# HELP instancewatch_roster_size Participants currently present.\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_roster_size gauge\n")
		fmt.Fprintf(rw, "instancewatch_roster_size %d\n", m.RosterSize)

		fmt.Fprintf(rw, "# HELP instancewatch_tracked_entities Reconciled entities by lifecycle.\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_tracked_entities gauge\n")
		fmt.Fprintf(rw, "instancewatch_tracked_entities{state=%q} %d\n", "live", m.TrackedLive)
		fmt.Fprintf(rw, "instancewatch_tracked_entities{state=%q} %d\n", "resolved", m.TrackedResolved)

		fmt.Fprintf(rw, "# HELP instancewatch_events_total Events by outcome.\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_events_total counter\n")
		fmt.Fprintf(rw, "instancewatch_events_total{result=%q} %d\n", "applied", m.EventsApplied)
		fmt.Fprintf(rw, "instancewatch_events_total{result=%q} %d\n", "dropped", m.EventsDropped)

		fmt.Fprintf(rw, "# HELP instancewatch_queue_depth Channel backlog depth.\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_queue_depth gauge\n")
		fmt.Fprintf(rw, "instancewatch_queue_depth{queue=%q} %d\n", "events", m.QueueDepth)
		fmt.Fprintf(rw, "instancewatch_queue_depth{queue=%q} %d\n", "enrichment", h.EnrichmentQueueDepth)

		fmt.Fprintf(rw, "# HELP instancewatch_observers Connected observer sessions.\n")
		fmt.Fprintf(rw, "# TYPE instancewatch_observers gauge\n")
		fmt.Fprintf(rw, "instancewatch_observers %d\n", m.Observers)

		if client != nil {
			fmt.Fprintf(rw, "# HELP instancewatch_directory_fetch_failures_total Directory requests that exhausted retries.\n")
			fmt.Fprintf(rw, "# TYPE instancewatch_directory_fetch_failures_total counter\n")
			fmt.Fprintf(rw, "instancewatch_directory_fetch_failures_total %d\n", client.FetchFailures())
		}
		if provider != nil {
			last := int64(0)
			if lr := provider.LastRefreshed(); !lr.IsZero() {
				last = lr.Unix()
			}
			fmt.Fprintf(rw, "# HELP instancewatch_directory_last_refresh_seconds Unix time of the last instance list refresh, 0 if never.\n")
			fmt.Fprintf(rw, "# TYPE instancewatch_directory_last_refresh_seconds gauge\n")
			fmt.Fprintf(rw, "instancewatch_directory_last_refresh_seconds %d\n", last)
		}
	})

	mux.HandleFunc("/v1/status", obsSrv.StatusHandler())
	mux.HandleFunc("/v1/roster", obsSrv.RosterHandler())
	mux.HandleFunc("/v1/entities", obsSrv.EntitiesHandler())
	mux.HandleFunc("/v1/correlation", obsSrv.CorrelationHandler())
	mux.HandleFunc("/v1/group", obsSrv.GroupHandler())
	mux.HandleFunc("/v1/ws", obsSrv.WSHandler())

	if envBool("IW_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	} else {
		logger.Printf("pprof endpoints disabled (IW_ENABLE_PPROF_HTTP=false)")
	}

	srv := &http.Server{
		Addr:              *addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", *addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}

func envBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

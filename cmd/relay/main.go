// Command relay runs the QuackRelay agent-to-agent mailbox: the mailbox
// store, agent registry, blob store, audit trail, dispatcher, webhook
// fan-out, real-time bridge, flight recorder, session registry, and
// protocol-adapter tool server, wired together and served over HTTP.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"quackrelay/internal/adapter/bridge"
	"quackrelay/internal/adapter/httpapi"
	"quackrelay/internal/adapter/llmproxy"
	"quackrelay/internal/adapter/sqlstore"
	"quackrelay/internal/adapter/store"
	"quackrelay/internal/adapter/toolserver"
	"quackrelay/internal/infra/config"
	"quackrelay/internal/infra/logger"
	"quackrelay/internal/infra/tracer"
	"quackrelay/internal/security"
	"quackrelay/internal/usecase/audit"
	"quackrelay/internal/usecase/blobstore"
	"quackrelay/internal/usecase/convo"
	"quackrelay/internal/usecase/dispatcher"
	"quackrelay/internal/usecase/eventbus"
	"quackrelay/internal/usecase/mailbox"
	"quackrelay/internal/usecase/recorder"
	"quackrelay/internal/usecase/registry"
	"quackrelay/internal/usecase/scheduling"
	"quackrelay/internal/usecase/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Persistence: sqlite for audit/registry/recorder, JSON snapshots
	// for mailbox/webhooks/convo/blobs.
	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("storage: create data dir: %w", err)
	}
	db, err := sqlstore.Open(cfg.Storage.DBPath)
	if err != nil {
		return fmt.Errorf("storage: open sqlite: %w", err)
	}
	defer db.Close()

	mailboxStore, err := store.NewMailboxStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("storage: mailbox store: %w", err)
	}
	webhookStore, err := store.NewWebhookStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("storage: webhook store: %w", err)
	}
	convoStore, err := store.NewConvoStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("storage: convo store: %w", err)
	}
	blobStore, err := store.NewBlobStore(cfg.Storage.DataDir)
	if err != nil {
		return fmt.Errorf("storage: blob store: %w", err)
	}

	// 4. Security: compliance audit log and SSRF-safe outbound transport
	// shared by every component that makes an egress call.
	seclog, err := security.NewFileAuditLogger(cfg.Storage.DataDir + "/security-audit.log")
	if err != nil {
		return fmt.Errorf("security: audit logger: %w", err)
	}
	defer seclog.Close()

	outboundClient := &http.Client{
		Timeout:   webhook.OutboundTimeout,
		Transport: security.NewSSRFSafeTransport(),
	}

	// 5. Event bus
	bus := eventbus.New(log)
	defer bus.Close()

	// 6. Usecase services
	auditSvc := audit.New(db.Audit())
	registrySvc := registry.New(db.Registry(), auditSvc, log)
	if err := registrySvc.Seed(ctx); err != nil {
		return fmt.Errorf("registry: seed defaults: %w", err)
	}

	blobSvc := blobstore.New(blobStore)
	webhookSvc := webhook.New(webhookStore, registrySvc, outboundClient, auditSvc, log)
	recorderSvc := recorder.New(db.Recorder())
	convoSvc := convo.New(convoStore, log)
	mailboxSvc := mailbox.New(mailboxStore, registrySvc, auditSvc, auditSvc, convoSvc, webhookSvc, bus, log)
	dispatchSvc := dispatcher.New(mailboxSvc, mailboxSvc, registrySvc, outboundClient, log)

	// 7. Real-time bridge and protocol-adapter tool server
	bridgeSrv := bridge.New(mailboxSvc, auditSvc, registrySvc, cfg.Bridge.SharedSecret, cfg.Bridge.DevBypass, log)

	toolSrv, err := toolserver.New(mailboxSvc, log)
	if err != nil {
		return fmt.Errorf("toolserver: %w", err)
	}

	// 8. Optional LLM completion proxy, never imported by the core
	// subsystems above.
	var llmHandler http.Handler
	if cfg.LLMProxy != nil {
		provider, err := llmproxy.NewProvider(ctx, cfg.LLMProxy.BedrockRegion, cfg.LLMProxy.ModelID, cfg.LLMProxy.MaxInputToks, log)
		if err != nil {
			return fmt.Errorf("llmproxy: %w", err)
		}
		llmHandler = llmproxy.NewHandler(provider)
	}

	// 9. HTTP surface
	deps := httpapi.Deps{
		Mailbox:         mailboxSvc,
		Registry:        registrySvc,
		Blobs:           blobSvc,
		Audit:           auditSvc,
		Webhooks:        webhookSvc,
		Convo:           convoSvc,
		Recorder:        recorderSvc,
		Bridge:          bridgeSrv,
		ToolAPI:         toolSrv.Handler(),
		SecurityLog:     seclog,
		Logger:          log,
		BridgePath:      cfg.Bridge.Path,
		DevBypass:       cfg.Security.DevBypass,
		RateLimitPerMin: cfg.Security.RateLimitPerMin,
		RateLimitBurst:  cfg.Security.RateLimitBurst,
		TrustedProxies:  cfg.Security.TrustedProxies,
	}
	httpSrv := httpapi.New(cfg.HTTP.Addr, deps)

	var llmSrv *http.Server
	if llmHandler != nil && cfg.LLMProxy.Addr != "" {
		llmSrv = &http.Server{Addr: cfg.LLMProxy.Addr, Handler: llmHandler}
	}

	// 10. Scheduler: mailbox TTL sweep, blob sweep, dispatcher poll,
	// session-registry janitor, recorder reap, bridge heartbeat sweep.
	scheduler := scheduling.NewScheduler(log)
	scheduler.RegisterAction(scheduling.ActionMailboxSweep, mailboxSvc.SweepExpired)
	scheduler.RegisterAction(scheduling.ActionBlobSweep, blobSvc.SweepExpired)
	scheduler.RegisterAction(scheduling.ActionDispatcherRun, dispatchSvc.Poll)
	scheduler.RegisterAction(scheduling.ActionConvoJanitor, convoSvc.Sweep)
	scheduler.RegisterAction(scheduling.ActionRecorderReap, recorderSvc.SweepStale)
	scheduler.RegisterAction(scheduling.ActionBridgeSweep, bridgeSrv.SweepStale)

	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "mailbox-sweep", Schedule: cfg.Mailbox.SweepPeriod, Action: scheduling.ActionMailboxSweep})
	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "blob-sweep", Schedule: cfg.Mailbox.SweepPeriod, Action: scheduling.ActionBlobSweep})
	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "dispatcher-poll", Schedule: cfg.Dispatch.PollInterval, Action: scheduling.ActionDispatcherRun})
	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "convo-janitor", Schedule: cfg.Convo.JanitorPeriod, Action: scheduling.ActionConvoJanitor})
	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "recorder-reap", Schedule: cfg.Recorder.SessionIdleWindow, Action: scheduling.ActionRecorderReap})
	mustAddTask(scheduler, scheduling.ScheduledTask{Name: "bridge-heartbeat-sweep", Schedule: cfg.Bridge.HeartbeatInterval, Action: scheduling.ActionBridgeSweep})

	// 11. Graceful shutdown on SIGINT/SIGTERM
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := scheduler.Start(ctx); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := httpSrv.Start(ctx); err != nil {
			errCh <- fmt.Errorf("httpapi: %w", err)
		}
	}()

	if llmSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := llmSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- fmt.Errorf("llmproxy: %w", err)
			}
		}()
	}

	log.Info("quackrelay starting",
		"http_addr", cfg.HTTP.Addr,
		"bridge_path", cfg.Bridge.Path,
		"tool_api", cfg.ToolAPI.Enabled,
		"llm_proxy", cfg.LLMProxy != nil,
	)

	<-ctx.Done()
	log.Info("shutting down")

	// Stop accepting new work first, then drain in-flight dispatches and
	// bridge connections before the stores are closed.
	_ = scheduler.Stop()
	bridgeSrv.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Error("httpapi shutdown error", "error", err)
	}
	if llmSrv != nil {
		if err := llmSrv.Shutdown(shutdownCtx); err != nil {
			log.Error("llmproxy shutdown error", "error", err)
		}
	}

	wg.Wait()

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func mustAddTask(s *scheduling.Scheduler, task scheduling.ScheduledTask) {
	if err := s.AddTask(task); err != nil {
		panic(fmt.Sprintf("scheduler: add task %q: %v", task.Name, err))
	}
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("QUACKRELAY_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

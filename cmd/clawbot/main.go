package main

import (
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kjm1559/Clawbot/internal/audit"
	"github.com/kjm1559/Clawbot/internal/config"
	"github.com/kjm1559/Clawbot/internal/event"
	"github.com/kjm1559/Clawbot/internal/permission"
	"github.com/kjm1559/Clawbot/internal/realtime"
	"github.com/kjm1559/Clawbot/internal/router"
	"github.com/kjm1559/Clawbot/internal/session"
	"github.com/kjm1559/Clawbot/internal/watcher"
)

func main() {
	cfg, err := config.Load(os.Getenv("CLAWBOT_CONFIG"))
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	bus := event.NewBus()

	ctrl := session.NewController(session.NewMemoryStore(), bus, session.Options{
		MaxSessions:   cfg.MaxSessions,
		WorkDir:       cfg.WorkDir,
		ChunkMaxBytes: cfg.ChunkMaxBytes,
		FlushInterval: time.Duration(cfg.FlushIntervalMs) * time.Millisecond,
		QueueDepth:    cfg.QueueDepth,
		StripANSI:     cfg.StripANSI,
		StartGrace:    time.Duration(cfg.StartGraceSec) * time.Second,
		KillGrace:     time.Duration(cfg.KillGraceSec) * time.Second,
	})

	broker := permission.NewBroker(ctrl, bus,
		permission.Decision(cfg.DefaultDecision),
		time.Duration(cfg.PermissionTimeoutSec)*time.Second)

	rt := router.New(ctrl, broker, bus)

	auditLog, err := audit.NewLog(cfg.AuditPath)
	if err != nil {
		log.Fatalf("audit log error: %v", err)
	}
	auditCh, stopAudit := bus.Subscribe(event.TypePermissionResolve, event.TypeInputForwarded)
	go auditLog.Consume(auditCh)

	// Tie the working-directory watcher and permission cleanup to the
	// session lifecycle.
	var fileWatch *watcher.Watcher
	if cfg.WatchDirs {
		fileWatch = watcher.New(bus)
	}
	lifeCh, stopLife := bus.Subscribe(event.TypeSessionStart, event.TypeSessionEnd)
	go func() {
		for ev := range lifeCh {
			switch p := ev.Payload.(type) {
			case event.SessionStart:
				if fileWatch != nil {
					if err := fileWatch.Watch(p.SessionID, p.WorkDir); err != nil {
						log.Printf("session %s: watch failed: %v", p.SessionID, err)
					}
				}
			case event.SessionEnd:
				if fileWatch != nil {
					fileWatch.Unwatch(p.SessionID)
				}
				broker.Drop(p.SessionID)
			}
		}
	}()

	rtServer := realtime.New(ctrl, broker, rt, bus)

	addr := fmt.Sprintf(":%d", cfg.Port)
	httpServer := &http.Server{
		Addr:    addr,
		Handler: rtServer.Handler(),
	}

	// Graceful shutdown: terminate every live subprocess before exit so
	// no child is orphaned.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		log.Println("Shutting down...")
		ctrl.Shutdown()
		if fileWatch != nil {
			fileWatch.Shutdown()
		}
		rtServer.Stop()
		stopLife()
		stopAudit()
		bus.Close()
		httpServer.Close()
	}()

	log.Printf("clawbot listening on http://localhost:%d", cfg.Port)
	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("HTTP server error: %v", err)
	}
}

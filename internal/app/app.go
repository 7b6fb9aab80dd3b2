// Package app assembles the controller: configuration, event bus,
// camera coordinator, session manager, report store, time-proxy machine
// and the web front. Tests construct a fresh App per case.
package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/PapaMarky/pi-camera-control-sub003/internal/bus"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/ccapi"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/config"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/logger"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/report"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/session"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/timesync"
	"github.com/PapaMarky/pi-camera-control-sub003/internal/web"
	"github.com/PapaMarky/pi-camera-control-sub003/pkg/health"
)

// App owns every long-lived component of the controller
type App struct {
	Config      *config.Config
	Bus         *bus.Bus
	Coordinator *ccapi.Coordinator
	Sessions    *session.Manager
	Reports     *report.Store
	TimeSync    *timesync.Machine
	NTP         *timesync.NTPHealth
	Web         *web.Server
	Monitor     *health.SystemMonitor

	log *logger.Logger
}

// New wires the application from a loaded configuration
func New(cfg *config.Config, log *logger.Logger) (*App, error) {
	if log == nil {
		log = logger.Default()
	}

	eventBus := bus.New()

	// No configured host: fall back to the last address that answered
	if cfg.Camera.Host == "" {
		history := ccapi.NewHistory(cfg.HistoryPath(), log.ForComponent("ccapi"))
		if ip := history.LastSuccessfulIP(); ip != "" {
			cfg.Camera.Host = ip
			log.Info("Camera host seeded from connection history", "host", ip)
		}
	}

	coordinator := ccapi.NewCoordinator(ccapi.CoordinatorConfig{
		BaseURL:          cfg.Camera.BaseURL(),
		ProbeTimeout:     time.Duration(cfg.Camera.ProbeTimeoutSeconds) * time.Second,
		MonitorInterval:  time.Duration(cfg.Camera.MonitorIntervalSeconds) * time.Second,
		InfoPollInterval: time.Duration(cfg.Camera.InfoPollIntervalSeconds) * time.Second,
		HistoryPath:      cfg.HistoryPath(),
		Publisher:        eventBus,
		Logger:           log.ForComponent("ccapi"),
	})

	store, err := report.NewStore(cfg.ReportsDir(), eventBus, log.ForComponent("report"))
	if err != nil {
		return nil, err
	}

	sessions := session.NewManager(coordinator, eventBus, store, log.ForComponent("session"))

	machine := timesync.NewMachine(timesync.Config{
		ResyncInterval: time.Duration(cfg.TimeSync.ResyncMinutes) * time.Minute,
		ValidityWindow: time.Duration(cfg.TimeSync.ValidityMinutes) * time.Minute,
		ExpirySweep:    time.Duration(cfg.TimeSync.ExpirySweepSeconds) * time.Second,
		DriftThreshold: time.Duration(cfg.TimeSync.DriftThresholdSeconds) * time.Second,
		RequestTimeout: time.Duration(cfg.TimeSync.RequestTimeoutSeconds) * time.Second,
	}, timesync.NewHostClock(log.ForComponent("clock")), coordinator, eventBus, log.ForComponent("timesync"))

	var ntpHealth *timesync.NTPHealth
	if cfg.NTP.Enabled {
		ntpHealth = timesync.NewNTPHealth(timesync.NTPConfig{
			Enabled:       true,
			Servers:       cfg.NTP.Servers,
			CheckInterval: time.Duration(cfg.NTP.CheckIntervalSeconds) * time.Second,
			MaxOffset:     time.Duration(cfg.NTP.MaxOffsetSeconds) * time.Second,
		}, log.ForComponent("ntp"))
	}

	monitor := health.NewSystemMonitor(cfg.DataDir)

	webServer, err := web.NewServer(web.Deps{
		Config:      cfg,
		Coordinator: coordinator,
		Sessions:    sessions,
		Reports:     store,
		TimeSync:    machine,
		Bus:         eventBus,
		Monitor:     monitor,
		NTP:         ntpHealth,
		Log:         log.ForComponent("web"),
	})
	if err != nil {
		return nil, err
	}

	return &App{
		Config:      cfg,
		Bus:         eventBus,
		Coordinator: coordinator,
		Sessions:    sessions,
		Reports:     store,
		TimeSync:    machine,
		NTP:         ntpHealth,
		Web:         webServer,
		Monitor:     monitor,
		log:         log,
	}, nil
}

// Run starts every background loop and blocks until ctx is cancelled
// or one of them fails
func (a *App) Run(ctx context.Context) error {
	// First connect attempt is best-effort; the monitor loop keeps
	// retrying with backoff
	connectCtx, cancel := context.WithTimeout(ctx,
		time.Duration(a.Config.Camera.ProbeTimeoutSeconds)*time.Second)
	if _, err := a.Coordinator.Connect(connectCtx); err != nil {
		a.log.Warn("Initial camera connect failed, will keep retrying",
			"camera", a.Config.Camera.BaseURL(),
			"error", err)
	}
	cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.Coordinator.Run(gctx)
		return gctx.Err()
	})
	g.Go(func() error { return a.TimeSync.Run(gctx) })
	g.Go(func() error { return a.Web.Run(gctx) })
	if a.NTP != nil {
		g.Go(func() error { return a.NTP.Run(gctx) })
	}

	a.log.Info("Controller started",
		"camera", a.Config.Camera.BaseURL(),
		"web_port", a.Config.Web.Port,
		"data_dir", a.Config.DataDir)

	err := g.Wait()

	// A running session must not leave the camera gates paused
	if stopErr := a.Sessions.Stop(); stopErr != nil && stopErr != session.ErrNotActive {
		a.log.Warn("Session stop on shutdown failed", "error", stopErr)
	}
	a.Coordinator.Close()
	return err
}

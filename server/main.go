// LabelBerry fleet server: the central hub that accepts print submissions
// over HTTP, holds the Bus Session Registry and Job Dispatcher, and drives
// the bus connection every device agent publishes and subscribes on.
// Wired the way the teacher's server/main.go assembles storage, the
// websocket connection table, and service.Interface, retargeted from a
// single in-process websocket hub onto an MQTT broker and the
// store/registry/dispatcher/correlation/offlinequeue/retention stack built
// for this spec.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/kardianos/service"

	"labelberry/common/bus"
	"labelberry/common/config"
	"labelberry/common/logger"
	"labelberry/server/internal/api"
	"labelberry/server/internal/busbridge"
	"labelberry/server/internal/correlation"
	"labelberry/server/internal/dispatcher"
	"labelberry/server/internal/fetch"
	"labelberry/server/internal/offlinequeue"
	"labelberry/server/internal/registry"
	"labelberry/server/internal/retention"
	"labelberry/server/internal/store"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// configPathFlag is read by service.go's program.run, since kardianos/service
// invokes program.Start/run with no argument path of its own.
var configPathFlag *string

const (
	heartbeatInterval  = 60 * time.Second
	sessionSweepPeriod = heartbeatInterval
	fetchTimeout       = 20 * time.Second
)

func main() {
	svcFlag := flag.String("service", "", "control the system service (install, uninstall, start, stop, run)")
	configPathFlag = flag.String("config", "config.toml", "path to the server's TOML configuration file")
	flag.Parse()

	svcConfig := getServiceConfig()
	prg := &program{}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labelberry-server: service init failed: %v\n", err)
		os.Exit(1)
	}

	if *svcFlag != "" && *svcFlag != "run" {
		if err := service.Control(svc, *svcFlag); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-server: %s failed: %v\n", *svcFlag, err)
			os.Exit(1)
		}
		fmt.Printf("labelberry-server: %s succeeded\n", *svcFlag)
		return
	}

	if *svcFlag == "run" {
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-server: %v\n", err)
			os.Exit(1)
		}
		if err := svc.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-server: service run failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runServer(ctx, *configPathFlag)
}

// runServer wires the store, bus session registry, job dispatcher,
// correlation engine, offline queue, retention sweep, and bus bridge
// together, then serves the control API until ctx is cancelled.
func runServer(ctx context.Context, configPath string) {
	log := logger.New(logger.INFO, "/var/log/labelberry/server", "server.log", 1000)
	defer log.Close()
	log.Info("labelberry-server starting", "version", Version, "build", BuildTime, "commit", GitCommit)

	var cfg config.ServerConfig
	if err := config.LoadTOML(configPath, &cfg); err != nil {
		log.Warn("config load failed, using defaults", "path", configPath, "error", err.Error())
	}
	cfg.Defaults()

	st, err := store.NewStore(&cfg.Database)
	if err != nil {
		log.Error("store open failed", "error", err.Error())
		return
	}
	defer st.Close()

	reg := registry.New(heartbeatInterval)
	offline := offlinequeue.New(st, cfg.MaxWaiters)
	waiters := correlation.New()
	defer waiters.Stop()
	fetcher := fetch.New(fetchTimeout)

	conn, err := bus.Dial(bus.DialOptions{
		BrokerURL:        cfg.Bus.BrokerURL,
		ClientID:         "labelberry-server-" + uuid.NewString(),
		Username:         cfg.Bus.Username,
		Password:         cfg.Bus.Password,
		AutoReconnect:    true,
		MaxReconnectWait: 30 * time.Second,
		OnConnectionLost: func(err error) {
			log.Warn("bus connection lost", "error", err.Error())
		},
	})
	if err != nil {
		log.Error("bus dial failed", "error", err.Error())
		return
	}
	defer conn.Close(2 * time.Second)

	disp := dispatcher.New(st, reg, conn, offline, waiters, fetcher)

	bridge := busbridge.New(conn, reg, disp, offline, log)
	if err := bridge.Subscribe(); err != nil {
		log.Error("bus subscribe failed", "error", err.Error())
		return
	}
	go busbridge.SweepStaleSessions(ctx, reg, sessionSweepPeriod, log)

	retention.New(st, offline, retention.Config{
		PayloadRetention: time.Duration(cfg.RetentionHours) * time.Hour,
	}, log).Start(ctx)

	apiServer := api.New(api.Options{
		Store:      st,
		Dispatcher: disp,
		Registry:   reg,
		Log:        log,
		Version:    Version,
		BuildTime:  BuildTime,
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.HTTPHost, cfg.HTTPPort),
		Handler: apiServer.Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", "error", err.Error())
		}
	}()

	<-ctx.Done()
	log.Info("labelberry-server shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

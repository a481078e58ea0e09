// LabelBerry device agent: connects one ZPL printer's host to the
// LabelBerry fleet over the bus, queues and writes print jobs, and
// serves a small local HTTP surface. Structured the way the teacher's
// agent/main.go wires agent.WSClient + storage + service.Interface
// together, retargeted onto the bus/queue/printer stack built for this
// spec.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/kardianos/service"

	"labelberry/agent/internal/config"
	"labelberry/agent/internal/deviceagent"
	"labelberry/agent/internal/printer"
	"labelberry/agent/internal/queue"
	"labelberry/common/logger"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

const journalPath = "/var/lib/labelberry/queue.json"

// configPathFlag is read by runAgent, which service.go's program.run also
// calls without arguments.
var configPathFlag *string

func main() {
	svcFlag := flag.String("service", "", "control the system service (install, uninstall, start, stop, run)")
	configPathFlag = flag.String("config", config.DefaultPath, "path to client.conf")
	flag.Parse()

	svcConfig := getServiceConfig()
	prg := &program{}
	svc, err := service.New(prg, svcConfig)
	if err != nil {
		fmt.Fprintf(os.Stderr, "labelberry-agent: service init failed: %v\n", err)
		os.Exit(1)
	}

	if *svcFlag != "" && *svcFlag != "run" {
		if err := service.Control(svc, *svcFlag); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-agent: %s failed: %v\n", *svcFlag, err)
			os.Exit(1)
		}
		fmt.Printf("labelberry-agent: %s succeeded\n", *svcFlag)
		return
	}

	runningUnderServiceMgr := *svcFlag == "run"

	if runningUnderServiceMgr {
		if err := setupServiceDirectories(); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-agent: %v\n", err)
			os.Exit(1)
		}
		if err := svc.Run(); err != nil {
			fmt.Fprintf(os.Stderr, "labelberry-agent: service run failed: %v\n", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	runAgent(ctx)
}

// runAgent wires config, printer driver, job queue, and the device
// agent's bus session together, then blocks until ctx is cancelled.
func runAgent(ctx context.Context) {
	log := logger.New(logger.INFO, "/var/log/labelberry", "agent.log", 1000)
	defer log.Close()
	log.Info("labelberry-agent starting", "version", Version, "build", BuildTime, "commit", GitCommit)

	cfg, err := config.Load(*configPathFlag)
	if err != nil {
		log.Error("config load failed", "error", err.Error())
		return
	}

	if err := os.MkdirAll(filepath.Dir(journalPath), 0755); err != nil {
		log.Error("journal directory create failed", "error", err.Error())
		return
	}
	q, err := queue.Open(journalPath, cfg.QueueCapacity)
	if err != nil {
		log.Error("queue open failed", "error", err.Error())
		return
	}

	var fallback printer.Fallback
	if cfg.USBVendorID != 0 {
		usbFallback := printer.NewUSBFallback(cfg.USBVendorID, cfg.USBProductID)
		defer usbFallback.Close()
		fallback = usbFallback
	}
	drv := printer.New(cfg.PrinterPath, fallback)

	agent := deviceagent.New(cfg, q, drv, log)

	srv := &http.Server{
		Addr:    cfg.LocalHTTPAddr,
		Handler: agent.Router(),
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("local http server failed", "error", err.Error())
		}
	}()

	agentDone := make(chan error, 1)
	go func() { agentDone <- agent.Run(ctx) }()

	<-ctx.Done()
	log.Info("labelberry-agent shutting down")

	agent.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	<-agentDone
}

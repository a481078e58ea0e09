package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/kardianos/service"
)

// program implements service.Interface, grounded on the teacher's
// server/service.go program type.
type program struct {
	ctx       context.Context
	cancel    context.CancelFunc
	done      chan struct{}
	svcLogger service.Logger
}

func (p *program) Start(s service.Service) error {
	p.svcLogger, _ = s.Logger(nil)
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry Server service starting")
	}

	p.ctx, p.cancel = context.WithCancel(context.Background())
	p.done = make(chan struct{})

	go p.run()
	return nil
}

func (p *program) run() {
	defer close(p.done)
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry Server service running")
	}
	runServer(p.ctx, *configPathFlag)
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry Server service stopping")
	}
}

func (p *program) Stop(s service.Service) error {
	if p.svcLogger != nil {
		p.svcLogger.Info("LabelBerry Server service stop requested")
	}
	if p.cancel != nil {
		p.cancel()
	}

	timeout := time.After(30 * time.Second)
	select {
	case <-p.done:
		if p.svcLogger != nil {
			p.svcLogger.Info("LabelBerry Server service stopped gracefully")
		}
	case <-timeout:
		if p.svcLogger != nil {
			p.svcLogger.Warning("LabelBerry Server service stopped with timeout")
		}
	}
	return nil
}

func getServiceConfig() *service.Config {
	var workingDir string
	switch runtime.GOOS {
	case "windows":
		workingDir = filepath.Join(os.Getenv("ProgramData"), "LabelBerry", "server")
	case "darwin":
		workingDir = "/Library/Application Support/LabelBerry/server"
	default:
		workingDir = "/var/lib/labelberry/server"
	}

	return &service.Config{
		Name:             "LabelBerryServer",
		DisplayName:      "LabelBerry Server",
		Description:      "LabelBerry fleet server: bus session registry, job dispatcher, and control API for a ZPL label printer fleet.",
		WorkingDirectory: workingDir,
		Arguments:        []string{"--service", "run"},
		Option: service.KeyValue{
			"StartType":              "automatic",
			"DelayedAutoStart":       true,
			"OnFailure":              "restart",
			"OnFailureDelayDuration": "5s",
			"OnFailureResetPeriod":   30,

			"Restart":           "on-failure",
			"RestartSec":        5,
			"SuccessExitStatus": "0 SIGTERM",
			"KillMode":          "mixed",
			"KillSignal":        "SIGTERM",
			"SendSIGKILL":       true,

			"RunAtLoad":     true,
			"KeepAlive":     true,
			"SessionCreate": false,
		},
	}
}

func setupServiceDirectories() error {
	var dirs []string
	switch runtime.GOOS {
	case "windows":
		baseDir := filepath.Join(os.Getenv("ProgramData"), "LabelBerry", "server")
		dirs = []string{baseDir, filepath.Join(baseDir, "logs")}
	case "darwin":
		baseDir := "/Library/Application Support/LabelBerry/server"
		dirs = []string{baseDir, filepath.Join(baseDir, "logs"), "/var/log/labelberry/server"}
	default:
		dirs = []string{"/var/lib/labelberry/server", "/var/log/labelberry/server", "/etc/labelberry/server"}
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}
	return nil
}

// SPDX-License-Identifier: LGPL-3.0-or-later

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pawitp/libvirt/capabilities"
	"github.com/pawitp/libvirt/config"
	"github.com/pawitp/libvirt/controller"
	"github.com/pawitp/libvirt/events"
	"github.com/pawitp/libvirt/logger"
	"github.com/pawitp/libvirt/migration"
	"github.com/pawitp/libvirt/registry"

	"net/http"
)

const version = "0.0.1"

func main() {
	configFile := flag.String("config", "", "Path to config file (YAML)")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (empty disables)")
	logLevel := flag.String("log-level", "", "Log level (debug, info, warn, error)")
	versionFlag := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *versionFlag {
		fmt.Printf("hypervisord version %s\n", version)
		os.Exit(0)
	}

	var cfg *config.Config
	var err error
	if *configFile != "" {
		cfg, err = config.FromFile(*configFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "load config file %s: %v\n", *configFile, err)
			os.Exit(1)
		}
		cfg = cfg.MergeWithEnv()
	} else {
		cfg = config.FromEnvironment()
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	log := logger.New(cfg.LogLevel)
	log.Info("starting hypervisord", "version", version, "mode", string(cfg.Mode), "config_dir", cfg.Layout.ConfigDir)

	detector := capabilities.NewDetector(log)
	detectCtx, cancelDetect := context.WithTimeout(context.Background(), 10*time.Second)
	if err := detector.Detect(detectCtx); err != nil {
		log.Warn("emulator detection failed", "error", err)
	}
	cancelDetect()
	if em, ok := detector.Chosen(); ok {
		log.Info("using emulator", "path", em.Path)
	} else {
		log.Warn("no usable emulator found on search path", "search_path", cfg.EmulatorSearchPath)
	}

	reg := registry.New()
	store := registry.NewStore(cfg.Layout, log)
	queue := events.New()
	ctrl := controller.New(cfg, reg, store, queue, detector, log)
	// mig is constructed here so its lifetime matches the daemon's; no RPC
	// surface calls into it yet (§1 scopes that out), but Prepare/Perform/
	// Finish need a live Coordinator the moment one is added.
	mig := migration.New(ctrl, cfg, log)
	_ = mig
	migration.Events(queue, log)

	if err := ctrl.Bootstrap(); err != nil {
		log.Error("startup directory scan failed", "error", err)
		os.Exit(1)
	}
	ctrl.AutostartAll()

	var watcher *registry.ConfigWatcher
	if cfg.WatchConfigDir {
		watcher, err = registry.NewConfigWatcher(store, reg, log)
		if err != nil {
			log.Warn("config directory watch disabled", "error", err)
		}
	}

	var metricsServer *http.Server
	if *metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server stopped", "error", err)
			}
		}()
		log.Info("metrics listening", "addr", *metricsAddr)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig.String())

	if watcher != nil {
		if err := watcher.Close(); err != nil {
			log.Warn("config watcher close error", "error", err)
		}
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Warn("metrics server shutdown error", "error", err)
		}
		cancel()
	}

	for _, vm := range reg.List() {
		vm.Lock()
		active := vm.IsActive()
		name := vm.Name()
		vm.Unlock()
		if !active {
			continue
		}
		log.Info("shutting down domain", "domain", name)
		if err := ctrl.Shutdown(name); err != nil {
			log.Warn("graceful shutdown request failed", "domain", name, "error", err)
		}
	}

	queue.Close()
	log.Info("hypervisord stopped")
}

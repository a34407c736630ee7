// Package main provides meshd, the MESH node daemon.
//
// meshd loads a node's configuration, opens its registry/state stores,
// wires the send/receive pipelines, conversation engine, session
// router, and discovery prober together, then serves the inbound
// webhook surface and the local operator control API while running the
// periodic scheduler (dead-letter drain, peer probe/election,
// conversation timeout sweep, session cleanup) until signalled to stop.
//
// Called by: operators, process supervisors, containers.
// Calls: public/mesh (wiring), internal/config.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/arcwire/mesh/internal/receive"
	"github.com/arcwire/mesh/public/mesh"
)

func main() {
	configFile := "config/mesh.yaml"
	if len(os.Args) >= 2 {
		configFile = os.Args[1]
	}

	cfg, err := loadOrDefault(configFile)
	if err != nil {
		log.Fatalf("meshd: %v", err)
	}

	if cfg.Debug {
		slog.SetLogLoggerLevel(slog.LevelDebug)
	}

	node, err := mesh.Open(cfg, receive.NullHostHandler{})
	if err != nil {
		log.Fatalf("meshd: open node %s: %v", cfg.AgentName, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	hookSrv := &http.Server{Addr: cfg.Listen.HookAddr, Handler: mesh.NewHookServer(node).Handler()}
	controlSrv := &http.Server{Addr: cfg.Listen.ControlAddr, Handler: mesh.NewControlServer(node).Handler()}

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("meshd: hook listener on %s", cfg.Listen.HookAddr)
		if err := hookSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("meshd: hook server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("meshd: control listener on %s", cfg.Listen.ControlAddr)
		if err := controlSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("meshd: control server error: %v", err)
		}
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		node.RunScheduler(ctx)
	}()

	log.Printf("meshd started: agent=%s hooks=%s control=%s", cfg.AgentName, cfg.Listen.HookAddr, cfg.Listen.ControlAddr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Printf("meshd: received signal %s, shutting down", sig)
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = hookSrv.Shutdown(shutdownCtx)
	_ = controlSrv.Shutdown(shutdownCtx)
	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Println("meshd: shut down cleanly")
	case <-time.After(10 * time.Second):
		log.Println("meshd: shutdown timeout exceeded")
	}
}

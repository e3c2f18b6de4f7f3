package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/resilmesh2/Threat-Hunting-And-Forensics/internal/server"
)

const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}
	cmd.Flags().String("addr", "", "listen address (default: server.addr from config)")
	return cmd
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
		cfg.Server.Addr = addr
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := buildStack(ctx, cfg, log, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	defer st.closeStore() //nolint:errcheck

	if cfg.Server.JWTSecret == "" && !isLoopback(cfg.Server.Addr) {
		log.Warnf("serving on %s without authentication; set server.jwt_secret", cfg.Server.Addr)
	}

	srv := server.New(st.orch, st.store, server.Options{JWTSecret: cfg.Server.JWTSecret, Log: log})
	addr, err := srv.Start(cfg.Server.Addr)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "[*] Listening on http://%s (Ctrl+C to stop)\n", addr)

	<-ctx.Done()
	fmt.Fprintln(os.Stderr, "[*] Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := st.orch.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("runs still in flight at exit")
	}
	return nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

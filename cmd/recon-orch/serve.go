package main

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/hochfrequenz/recon-orchestrator/internal/metrics"
	"github.com/hochfrequenz/recon-orchestrator/web/api"
)

var (
	serveHost string
	servePort int
)

func init() {
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP control API",
		RunE:  runServe,
	}
	serveCmd.Flags().StringVar(&serveHost, "host", "", "address to bind (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	m := metrics.New()
	cfg, log, f, err := setup(facadeOptions{metrics: m})
	if err != nil {
		return err
	}

	host, port := cfg.Web.Host, cfg.Web.Port
	if serveHost != "" {
		host = serveHost
	}
	if servePort != 0 {
		port = servePort
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := signalContext()
	defer cancel()

	srv := api.NewServer(f, m.Handler(), addr, log)
	fmt.Printf("Serving %s on http://%s\n", f.Root(), addr)
	serveErr := srv.Start(ctx)

	shutdownCtx, stop := context.WithTimeout(context.Background(), cfg.General.KillGrace.Std()+5*time.Second)
	defer stop()
	if err := f.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("Runs still active at shutdown")
	}
	return serveErr
}

package commands

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/drover/am"
	"github.com/teranos/drover/errors"
	"github.com/teranos/drover/logger"
	"github.com/teranos/drover/server"
	"github.com/teranos/drover/sym"
	"github.com/teranos/drover/version"
)

// ServerCmd runs the drover server
var ServerCmd = &cobra.Command{
	Use:     "server",
	Aliases: []string{"serve"},
	Short:   sym.Pulse + " Run the drover server",
	Long: `Run the drover server: material polling, post-commit notifications,
the agent gateway and the HTTP API.

The first Ctrl+C drains queues and stops gracefully; a second one exits immediately.`,
	RunE: runServer,
}

var (
	serverPort   int
	serverDBPath string
)

func init() {
	ServerCmd.Flags().IntVar(&serverPort, "port", 0, "Port to listen on (overrides config)")
	ServerCmd.Flags().StringVar(&serverDBPath, "db-path", "", "Custom database path (overrides config)")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := am.Load()
	if err != nil {
		return errors.Wrap(err, "failed to load config")
	}
	port := cfg.GetServerPort()
	if serverPort != 0 {
		port = serverPort
	}

	dbPath := serverDBPath
	if dbPath == "" {
		dbPath = cfg.GetDatabasePath()
	}
	st, closeDB, err := openStore(cfg, dbPath)
	if err != nil {
		return err
	}
	defer closeDB()

	srv, err := server.New(cfg, st, logger.Logger)
	if err != nil {
		return errors.Wrap(err, "failed to create server")
	}
	if err := srv.Start(); err != nil {
		return errors.Wrap(err, "failed to start server")
	}

	info := version.Get()
	pterm.DefaultHeader.WithFullWidth().Printf("drover %s", info.Version)
	pterm.Info.Printf("Listening on port %d\n", port)
	pterm.Info.Printf("Database: %s\n", dbPath)
	pterm.Info.Println("Press Ctrl+C to stop")

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.ListenAndServe(port)
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		srv.Stop()
		if err != nil {
			return errors.Wrap(err, "server stopped")
		}
		return nil
	case <-sigChan:
		pterm.Info.Println("Shutting down gracefully (press Ctrl+C again to force)...")
	}

	shutdownDone := make(chan error, 1)
	go func() {
		shutdownDone <- srv.Stop()
	}()

	select {
	case err := <-shutdownDone:
		if err != nil {
			return errors.Wrap(err, "shutdown failed")
		}
		pterm.Success.Println(sym.PulseClose + " Server stopped")
		return nil
	case <-sigChan:
		pterm.Warning.Println("Forced shutdown")
		os.Exit(1)
	}
	return nil
}

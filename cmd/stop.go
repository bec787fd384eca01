package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/elskow/binder-build/internal/server"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a running build service using its pid file",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := server.LoadConfig()
		if err != nil {
			return err
		}
		if cfg.Server.PIDFile == "" {
			return errors.New("server.pid_file is not configured")
		}

		pid, err := server.ReadPIDFile(cfg.Server.PIDFile)
		if err != nil {
			if errors.Is(err, server.ErrNoPIDFile) {
				return fmt.Errorf("no running server found (%s)", cfg.Server.PIDFile)
			}
			return err
		}

		proc, err := os.FindProcess(pid)
		if err != nil {
			return err
		}
		if err := proc.Signal(syscall.SIGTERM); err != nil {
			return fmt.Errorf("failed to signal process %d: %w", pid, err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "sent SIGTERM to %d\n", pid)
		return nil
	},
}

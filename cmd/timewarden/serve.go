package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/timewarden"
)

// newServeCommand starts this node's dispatcher worker and cluster HTTP
// receiver, blocking until interrupted. The "shell" handler treats a fired
// timer's Arguments as a shell command, the closest analogue in this domain
// to the teacher's process-spawning Start command.
func newServeCommand(configPath, dsn *string) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher worker and cluster hint receiver",
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := timewarden.NewRegistry()
			reg.Register("shell", "exec", runShellCommand)

			s, err := openScheduler(*configPath, *dsn, reg)
			if err != nil {
				return err
			}
			defer func() { _ = s.Stop() }()

			if err := timewarden.RegisterMetricsDefault(); err != nil {
				slog.Warn("metrics already registered", "error", err)
			}

			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			s.Start(ctx)

			if listen != "" {
				mux := http.NewServeMux()
				mux.Handle("/timewarden/", s.ClusterHandler())
				mux.Handle("/metrics", timewarden.MetricsHandler())
				server := &http.Server{
					Addr:              listen,
					Handler:           mux,
					ReadHeaderTimeout: 10 * time.Second,
				}
				go func() {
					if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						slog.Error("hint server exited", "error", err)
					}
				}()
				slog.Info("serving cluster hints and metrics", "addr", listen)
				defer func() { _ = server.Close() }()
			}

			<-ctx.Done()
			slog.Info("shutting down")
			return nil
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8080", "address to serve /timewarden/hint and /metrics on")
	return cmd
}

func runShellCommand(ctx context.Context, args []byte) error {
	if len(args) == 0 {
		return fmt.Errorf("shell.exec requires a non-empty command in Arguments")
	}
	command := exec.CommandContext(ctx, "sh", "-c", string(args))
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	return command.Run()
}

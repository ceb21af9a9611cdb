package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	provisionagent "github.com/httprunner/ProvisionAgent"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// EnvSSHPassword lets scripts pass the SSH password without a flag.
const EnvSSHPassword = "PROVISION_SSH_PASSWORD"

func firstNonEmpty(values ...string) string {
	for _, val := range values {
		if trimmed := strings.TrimSpace(val); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// openService loads settings and builds the service. The --log-level flag
// wins over the configured level.
func openService() (*provisionagent.Service, error) {
	settings, err := provisionagent.LoadSettings(rootConfig)
	if err != nil {
		return nil, err
	}
	if rootLogLevel == "" {
		zerolog.SetGlobalLevel(settings.Level())
	}
	return provisionagent.NewService(settings)
}

func sshPassword(flag string) (string, error) {
	if pw := firstNonEmpty(flag, os.Getenv(EnvSSHPassword)); pw != "" {
		return pw, nil
	}
	return "", fmt.Errorf("--password or $%s is required", EnvSSHPassword)
}

func addPasswordFlag(cmd *cobra.Command, dst *string) {
	cmd.Flags().StringVar(dst, "password", "", "SSH password (overrides $"+EnvSSHPassword+")")
}

// runUntilDone waits for the queued job id while follow reports progress.
// SIGINT/SIGTERM stops the service, which records interrupted runs as
// failed.
func runUntilDone(ctx context.Context, svc *provisionagent.Service, id string, follow func(ctx context.Context) error) error {
	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	followErr := make(chan error, 1)
	go func() { followErr <- follow(sigCtx) }()

	select {
	case <-svc.Done(id):
		// let the follower print the final snapshot
		if err := <-followErr; err != nil {
			_ = svc.Close()
			return err
		}
		return svc.Close()
	case <-sigCtx.Done():
		err := svc.Stop()
		<-followErr
		if err != nil {
			return err
		}
		return fmt.Errorf("interrupted, %s recorded as failed", id)
	case err := <-followErr:
		if err != nil {
			_ = svc.Stop()
			return err
		}
		<-svc.Done(id)
		return svc.Close()
	}
}

// logPrinter writes only the part of a growing log not yet printed.
type logPrinter struct {
	w       io.Writer
	printed int
}

func (p *logPrinter) print(log string) {
	if len(log) < p.printed {
		// the task was reset by a retry elsewhere
		p.printed = 0
	}
	fmt.Fprint(p.w, log[p.printed:])
	p.printed = len(log)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

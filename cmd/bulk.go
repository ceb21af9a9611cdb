package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	provisionagent "github.com/httprunner/ProvisionAgent"
	"github.com/spf13/cobra"
)

func newBulkCmd() *cobra.Command {
	var (
		flagUser        string
		flagPassword    string
		flagRequestedBy string
		flagScanMethod  string
		flagFile        string
	)
	cmd := &cobra.Command{
		Use:   "bulk <address>...",
		Short: "Provision several devices as one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			targets := append([]string{}, args...)
			if flagFile != "" {
				data, err := os.ReadFile(flagFile)
				if err != nil {
					return err
				}
				targets = append(targets, strings.Fields(string(data))...)
			}
			if len(targets) == 0 {
				return fmt.Errorf("no target addresses given")
			}
			password, err := sshPassword(flagPassword)
			if err != nil {
				return err
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			id, err := svc.BulkProvision(cmd.Context(), provisionagent.BulkRequest{
				Targets:     targets,
				SSHUser:     flagUser,
				SSHPassword: password,
				RequestedBy: firstNonEmpty(flagRequestedBy, os.Getenv("USER")),
				ScanMethod:  flagScanMethod,
			})
			if err != nil {
				_ = svc.Close()
				return err
			}
			fmt.Fprintf(os.Stderr, "bulk job %s queued\n", id)

			var final *provisionagent.BulkSnapshot
			err = runUntilDone(cmd.Context(), svc, id, func(ctx context.Context) error {
				var lastCounts string
				for {
					snap, err := svc.GetBulkStatus(ctx, id)
					if err != nil {
						return err
					}
					final = snap
					if counts := fmt.Sprint(snap.Counts); counts != lastCounts {
						lastCounts = counts
						fmt.Fprintf(os.Stderr, "bulk %s: %s %v\n", id, snap.Status, snap.Counts)
					}
					if snap.Status == provisionagent.BulkCompleted || snap.Status == provisionagent.BulkFailed {
						return nil
					}
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(followInterval):
					}
				}
			})
			if err != nil {
				return err
			}
			if final != nil {
				printBulk(final)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "SSH user for every target (default from config)")
	addPasswordFlag(cmd, &flagPassword)
	cmd.Flags().StringVar(&flagRequestedBy, "requested-by", "", "operator name recorded on the job")
	cmd.Flags().StringVar(&flagScanMethod, "scan-method", "", "how the targets were found (default manual)")
	cmd.Flags().StringVarP(&flagFile, "file", "f", "", "file with whitespace separated addresses")
	return cmd
}

func newBulkStatusCmd() *cobra.Command {
	var flagJSON bool
	cmd := &cobra.Command{
		Use:   "bulk-status <bulk-id>",
		Short: "Show per-target results of a bulk job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()
			snap, err := svc.GetBulkStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, snap)
			}
			printBulk(snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	return cmd
}

func printBulk(s *provisionagent.BulkSnapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "BULK\t%s\t%s\n", s.BulkID, s.Status)
	targets := append([]string{}, s.Targets...)
	sort.Strings(targets)
	for _, target := range targets {
		res := s.Results[target]
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", target, res.Status, res.TaskID, res.DeviceID, res.Error)
	}
	_ = w.Flush()
}

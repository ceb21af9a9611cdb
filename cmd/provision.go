package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	provisionagent "github.com/httprunner/ProvisionAgent"
	"github.com/spf13/cobra"
)

const followInterval = time.Second

func newProvisionCmd() *cobra.Command {
	var (
		flagUser     string
		flagPassword string
		flagPort     int
		flagName     string
		flagCallback string
	)
	cmd := &cobra.Command{
		Use:   "provision <address>",
		Short: "Provision one device and follow its progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := sshPassword(flagPassword)
			if err != nil {
				return err
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			id, err := svc.Provision(cmd.Context(), provisionagent.ProvisionRequest{
				Address:     args[0],
				SSHUser:     flagUser,
				SSHPassword: password,
				SSHPort:     flagPort,
				DisplayName: flagName,
				CallbackURL: flagCallback,
			})
			if err != nil {
				_ = svc.Close()
				return err
			}
			fmt.Fprintf(os.Stderr, "task %s queued\n", id)
			return followTask(cmd.Context(), svc, id)
		},
	}
	cmd.Flags().StringVar(&flagUser, "user", "", "SSH user (default from config)")
	addPasswordFlag(cmd, &flagPassword)
	cmd.Flags().IntVar(&flagPort, "port", 0, "SSH port (default from config)")
	cmd.Flags().StringVar(&flagName, "name", "", "player display name")
	cmd.Flags().StringVar(&flagCallback, "callback-url", "", "fleet server URL for the heartbeat timer")
	return cmd
}

func newRetryCmd() *cobra.Command {
	var flagPassword string
	cmd := &cobra.Command{
		Use:   "retry <task-id>",
		Short: "Reset a failed task and run it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := sshPassword(flagPassword)
			if err != nil {
				return err
			}
			svc, err := openService()
			if err != nil {
				return err
			}
			id, err := svc.Retry(cmd.Context(), args[0], password)
			if err != nil {
				_ = svc.Close()
				return err
			}
			return followTask(cmd.Context(), svc, id)
		},
	}
	addPasswordFlag(cmd, &flagPassword)
	return cmd
}

// followTask streams new log lines until the task finishes, then prints the
// final step ledger.
func followTask(ctx context.Context, svc *provisionagent.Service, id string) error {
	printer := &logPrinter{w: os.Stdout}
	var final *provisionagent.StatusSnapshot
	err := runUntilDone(ctx, svc, id, func(ctx context.Context) error {
		return svc.Watch(ctx, id, followInterval, func(s *provisionagent.StatusSnapshot) {
			printer.print(s.Log)
			final = s
		})
	})
	if err != nil {
		return err
	}
	if final != nil {
		printSteps(final)
		if final.Status == provisionagent.StatusFailed {
			return fmt.Errorf("task %s failed: %s", id, final.ErrorMessage)
		}
	}
	return nil
}

func printSteps(s *provisionagent.StatusSnapshot) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "TASK\t%s\t%s\t%d/%d\n", s.TaskID, s.Status, s.CurrentStep, s.TotalSteps)
	for _, st := range s.Steps {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", st.Index, st.Name, st.Status, st.Message)
	}
	if s.DeviceID != "" {
		fmt.Fprintf(w, "PLAYER\t%s\n", s.DeviceID)
	}
	if s.ErrorMessage != "" {
		fmt.Fprintf(w, "ERROR\t%s\n", s.ErrorMessage)
	}
	_ = w.Flush()
}

func newStatusCmd() *cobra.Command {
	var flagJSON bool
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "Show the step ledger of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()
			snap, err := svc.GetStatus(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if flagJSON {
				return printJSON(os.Stdout, snap)
			}
			printSteps(snap)
			return nil
		},
	}
	cmd.Flags().BoolVar(&flagJSON, "json", false, "print the full snapshot including the log")
	return cmd
}

func newCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <task-id>",
		Short: "Mark a pending or running task failed",
		Long:  "A running task stops at its next step boundary; the command already executing on the device runs to its own timeout.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()
			return svc.Cancel(cmd.Context(), args[0])
		},
	}
}

func newListCmd() *cobra.Command {
	var flagLimit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := openService()
			if err != nil {
				return err
			}
			defer svc.Close()
			tasks, err := svc.ListTasks(cmd.Context(), flagLimit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TASK\tADDRESS\tSTATUS\tSTEP\tUPDATED")
			for _, t := range tasks {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d/%d\t%s\n", t.TaskID, t.Address, t.Status,
					t.CurrentStep, t.TotalSteps, t.UpdatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&flagLimit, "limit", 20, "maximum number of tasks")
	return cmd
}

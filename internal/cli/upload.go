package cli

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"vstage-upload/internal/app"
	"vstage-upload/internal/capacity"
	"vstage-upload/internal/services/upload"

	"github.com/spf13/cobra"
)

func newUploadCmd() *cobra.Command {
	var (
		scope string
		slots []string
		quiet bool
	)

	cmd := &cobra.Command{
		Use:   "upload [flags] FILE...",
		Short: "Upload files as one batch, resuming earlier partial transfers",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseSlots(slots)
			if err != nil {
				return err
			}

			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			// one-shot process, expired checkpoints are ignored on read anyway
			cfg.SweepCron = ""

			a, err := app.Startup(cfg, log)
			if err != nil {
				return err
			}
			defer a.Shutdown()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			var onProgress upload.Progress
			if !quiet {
				onProgress = func(p float64) {
					fmt.Fprintf(cmd.ErrOrStderr(), "\rprogress %5.1f%%", p)
				}
			}

			result, err := a.UploadPaths(ctx, scope, args, parsed, onProgress)
			if onProgress != nil {
				fmt.Fprintln(cmd.ErrOrStderr())
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), result)
			if len(result.Failed) > 0 {
				return fmt.Errorf("%d of %d files failed", len(result.Failed), len(args))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&scope, "scope", "p", "", "Project the files belong to; checkpoints are kept per project")
	cmd.Flags().StringArrayVarP(&slots, "slot", "s", nil, "Service slot as ID=REMAINING, repeatable")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "Do not print progress")
	_ = cmd.MarkFlagRequired("scope")
	_ = cmd.MarkFlagRequired("slot")

	return cmd
}

// parseSlots reads ID=REMAINING pairs in the order given
func parseSlots(values []string) ([]capacity.Slot, error) {
	slots := make([]capacity.Slot, 0, len(values))
	for _, v := range values {
		id, n, ok := strings.Cut(v, "=")
		id = strings.TrimSpace(id)
		if !ok || id == "" {
			return nil, fmt.Errorf("invalid slot %q: expected ID=REMAINING", v)
		}
		remaining, err := strconv.Atoi(strings.TrimSpace(n))
		if err != nil || remaining < 0 {
			return nil, fmt.Errorf("invalid slot %q: remaining must be a non-negative integer", v)
		}
		slots = append(slots, capacity.Slot{ID: id, Remaining: remaining})
	}
	return slots, nil
}

func printResult(w io.Writer, result *upload.BatchResult) {
	fmt.Fprintf(w, "batch %s\n", result.BatchID)
	for _, task := range result.Succeeded {
		line := fmt.Sprintf("  %-11s %s", task.State, task.Identity.Name)
		if task.Confirmed != nil {
			line += fmt.Sprintf(" record=%s transfer=%s", task.Confirmed.RecordID, task.Confirmed.TransferID)
		}
		fmt.Fprintln(w, line)
	}
	for _, f := range result.Failed {
		fmt.Fprintf(w, "  %-11s %s: %s\n", upload.Failed, f.Identity.Name, f.Reason)
	}
	for _, c := range result.Compensations {
		if c.Err != nil {
			fmt.Fprintf(w, "  cleanup of %s failed: %v\n", c.Identity.Name, c.Err)
		}
	}
}

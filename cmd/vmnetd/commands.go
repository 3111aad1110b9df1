package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/codewiresh/vmnetd/internal/store"
)

// ---------------------------------------------------------------------------
// peersCmd
// ---------------------------------------------------------------------------

func peersCmd() *cobra.Command {
	var (
		journal string
		limit   int
		output  string
	)
	cmd := &cobra.Command{
		Use:   "peers",
		Short: "List recent peer connections from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if journal == "" {
				return fmt.Errorf("--journal is required")
			}
			if _, err := os.Stat(journal); err != nil {
				return fmt.Errorf("opening journal: %w", err)
			}
			js, err := store.NewSQLiteStore(journal)
			if err != nil {
				return err
			}
			defer js.Close()

			recs, err := js.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			switch output {
			case "table":
				return printPeerTable(cmd.OutOrStdout(), recs, time.Now())
			case "yaml":
				enc := yaml.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent(2)
				if err := enc.Encode(recs); err != nil {
					return err
				}
				return enc.Close()
			default:
				return fmt.Errorf("unknown output format %q (want table or yaml)", output)
			}
		},
	}
	cmd.Flags().StringVar(&journal, "journal", "", "peer journal written by the daemon")
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of connections to show (0 for all)")
	cmd.Flags().StringVarP(&output, "output", "o", "table", "output format: table or yaml")
	return cmd
}

func printPeerTable(out io.Writer, recs []store.PeerRecord, now time.Time) error {
	if len(recs) == 0 {
		fmt.Fprintln(out, "No peer connections recorded")
		return nil
	}
	w := tabwriter.NewWriter(out, 2, 4, 2, ' ', 0)
	fmt.Fprintln(w, "BOOT\tPEER\tOPENED\tDURATION\tIN\tOUT\tSTATUS")
	for _, r := range recs {
		end := now
		status := "active"
		if !r.Open() {
			end = *r.ClosedAt
			status = r.Reason
		}
		fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
			shortBoot(r.Boot),
			r.PeerID,
			humanize.RelTime(r.OpenedAt, now, "ago", "from now"),
			end.Sub(r.OpenedAt).Round(time.Second),
			trafficSummary(r.FramesIn, r.BytesIn),
			trafficSummary(r.FramesOut, r.BytesOut),
			status,
		)
	}
	return w.Flush()
}

func shortBoot(boot string) string {
	if len(boot) > 8 {
		return boot[:8]
	}
	return boot
}

func trafficSummary(frames, bytes uint64) string {
	return fmt.Sprintf("%s (%s)", humanize.Comma(int64(frames)), humanize.IBytes(bytes))
}

// ---------------------------------------------------------------------------
// stopCmd
// ---------------------------------------------------------------------------

func stopCmd() *cobra.Command {
	var (
		pidPath string
		wait    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the daemon recorded in a pid file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if pidPath == "" {
				return fmt.Errorf("--pidfile is required")
			}
			pid, err := readPID(pidPath)
			if err != nil {
				return err
			}

			if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
				if errors.Is(err, syscall.ESRCH) {
					_ = os.Remove(pidPath)
					fmt.Fprintln(os.Stderr, "[vmnetd] daemon already stopped (stale pid file removed)")
					return nil
				}
				return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
			}
			fmt.Fprintf(os.Stderr, "[vmnetd] sent SIGTERM to daemon (pid %d)\n", pid)

			if wait <= 0 {
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), wait)
			defer cancel()
			return waitPIDFileGone(ctx, pidPath)
		},
	}
	cmd.Flags().StringVarP(&pidPath, "pidfile", "p", "", "pid file written by the daemon")
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "wait this long for the pid file to be removed (0 to return at once)")
	return cmd
}

func readPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("reading pid file: %w (is the daemon running?)", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, fmt.Errorf("invalid pid file %s", path)
	}
	return pid, nil
}

func waitPIDFileGone(ctx context.Context, path string) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("daemon did not exit: %w", ctx.Err())
		case <-ticker.C:
		}
	}
}

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/spf13/cobra"
	"github.com/zulandar/switchyard/internal/db"
	"github.com/zulandar/switchyard/internal/deadletter"
	"github.com/zulandar/switchyard/internal/models"
	"golang.org/x/term"
)

func newDLQCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dlq",
		Short: "Dead-letter queue commands",
		Long:  "Archive dead-lettered messages and list, inspect, retry or discard the archived records.",
	}

	cmd.AddCommand(newDLQArchiveCmd())
	cmd.AddCommand(newDLQListCmd())
	cmd.AddCommand(newDLQShowCmd())
	cmd.AddCommand(newDLQRetryCmd())
	cmd.AddCommand(newDLQDiscardCmd())
	return cmd
}

func newDLQArchiveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Consume the dead-letter queue into the database",
		Long:  "Runs a consumer on the dead-letter queue that stores every delivery as an unresolved record.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQArchive(cmd, configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runDLQArchive(cmd *cobra.Command, configPath string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env, err := openStage(ctx, configPath, "archiver", cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer env.Close()

	archiver := deadletter.NewArchiver(env.db, env.log)
	runner, err := env.runner(env.cfg.Queues.DeadLetterQueue, "archiver", archiver.Handle)
	if err != nil {
		return err
	}

	defer env.track(ctx, "archiver")()
	env.serveMetrics(ctx)
	return runner.Run(ctx)
}

func newDLQListCmd() *cobra.Command {
	var (
		configPath string
		status     string
		limit      int
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List dead-letter records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQList(cmd, configPath, status, limit)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	cmd.Flags().StringVar(&status, "status", deadletter.StatusUnresolved, "filter by status (unresolved, retried, discarded, all)")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum records to show")
	return cmd
}

func runDLQList(cmd *cobra.Command, configPath, status string, limit int) error {
	_, gormDB, err := connectFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	if status == "all" {
		status = ""
	}
	recs, err := deadletter.NewService(gormDB, nil, "").List(cmd.Context(), status, limit)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(recs) == 0 {
		fmt.Fprintln(out, "No dead letters.")
		return nil
	}
	printDeadLetters(out, recs, terminalWidth(out))
	return nil
}

// terminalWidth returns the width of out when it is a terminal, else 120.
func terminalWidth(out io.Writer) int {
	if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		if w, _, err := term.GetSize(int(f.Fd())); err == nil && w > 0 {
			return w
		}
	}
	return 120
}

// printDeadLetters writes a table whose reason column absorbs whatever width
// the fixed columns leave.
func printDeadLetters(out io.Writer, recs []models.DeadLetter, width int) {
	const fixed = "%-6s  %-10s  %-16s  %-20s  %-7s  "
	reasonWidth := width - utf8.RuneCountInString(fmt.Sprintf(fixed, "", "", "", "", ""))
	if reasonWidth < 12 {
		reasonWidth = 12
	}

	fmt.Fprintf(out, fixed+"%s\n", "ID", "STATUS", "FAILED", "QUEUE", "RETRIES", "REASON")
	for _, r := range recs {
		fmt.Fprintf(out, fixed+"%s\n",
			strconv.FormatUint(uint64(r.ID), 10),
			r.Status,
			r.FailedAt.Local().Format("2006-01-02 15:04"),
			clip(orDash(r.SourceQueue), 20),
			strconv.Itoa(r.RetryCount),
			clip(r.Reason, reasonWidth),
		)
	}
}

func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n-1]) + "…"
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parseRecordID(arg string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimPrefix(arg, "#"), 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("invalid record id %q", arg)
	}
	return uint(id), nil
}

func newDLQShowCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one dead-letter record with its headers and payload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQShow(cmd, configPath, args[0])
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runDLQShow(cmd *cobra.Command, configPath, arg string) error {
	id, err := parseRecordID(arg)
	if err != nil {
		return err
	}
	_, gormDB, err := connectFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	rec, err := deadletter.NewService(gormDB, nil, "").Get(cmd.Context(), id)
	if err != nil {
		return err
	}
	printDeadLetter(cmd.OutOrStdout(), rec)
	return nil
}

func printDeadLetter(out io.Writer, r *models.DeadLetter) {
	fmt.Fprintf(out, "Record:      %d\n", r.ID)
	fmt.Fprintf(out, "Status:      %s\n", r.Status)
	fmt.Fprintf(out, "Failed at:   %s\n", r.FailedAt.Local().Format("2006-01-02 15:04:05"))
	if r.ResolvedAt != nil {
		fmt.Fprintf(out, "Resolved at: %s\n", r.ResolvedAt.Local().Format("2006-01-02 15:04:05"))
	}
	fmt.Fprintf(out, "Queue:       %s\n", orDash(r.SourceQueue))
	fmt.Fprintf(out, "Reason:      %s\n", r.Reason)
	fmt.Fprintf(out, "Retries:     %d\n", r.RetryCount)
	fmt.Fprintf(out, "Trace:       %s\n", orDash(r.TraceID))
	fmt.Fprintf(out, "\nHeaders:\n%s\n", indentJSON([]byte(r.Headers)))
	fmt.Fprintf(out, "\nPayload:\n%s\n", indentJSON(r.Payload))
}

// indentJSON pretty-prints valid JSON and returns anything else unchanged.
func indentJSON(data []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, data, "  ", "  "); err != nil {
		return "  " + string(data)
	}
	return "  " + buf.String()
}

func newDLQRetryCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "retry <id>...",
		Short: "Republish dead-letter records to their source queue",
		Long:  "Republishes each record's payload to the queue it died on, with its original headers minus the death and retry bookkeeping, and marks it retried.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQRetry(cmd, configPath, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runDLQRetry(cmd *cobra.Command, configPath string, args []string) error {
	ids, err := parseRecordIDs(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()
	env, err := openStage(ctx, configPath, "dlq", cmd.ErrOrStderr(), true)
	if err != nil {
		return err
	}
	defer env.Close()

	svc := deadletter.NewService(env.db, env.pub, env.cfg.Queues.Primary)
	return eachRecord(ctx, cmd.OutOrStdout(), ids, func(ctx context.Context, id uint) (string, error) {
		rec, err := svc.Retry(ctx, id)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Record %d republished to %s", id, orDash(rec.SourceQueue)), nil
	})
}

func newDLQDiscardCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "discard <id>...",
		Short: "Mark dead-letter records discarded",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDLQDiscard(cmd, configPath, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", defaultConfigPath, "path to Switchyard config file")
	return cmd
}

func runDLQDiscard(cmd *cobra.Command, configPath string, args []string) error {
	ids, err := parseRecordIDs(args)
	if err != nil {
		return err
	}
	_, gormDB, err := connectFromConfig(cmd.Context(), configPath)
	if err != nil {
		return err
	}
	defer db.Close(gormDB)

	svc := deadletter.NewService(gormDB, nil, "")
	return eachRecord(cmd.Context(), cmd.OutOrStdout(), ids, func(ctx context.Context, id uint) (string, error) {
		if err := svc.Discard(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Record %d discarded", id), nil
	})
}

func parseRecordIDs(args []string) ([]uint, error) {
	ids := make([]uint, 0, len(args))
	for _, a := range args {
		id, err := parseRecordID(a)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// eachRecord applies fn to every id, reporting each result, and returns an
// error if any failed.
func eachRecord(ctx context.Context, out io.Writer, ids []uint, fn func(context.Context, uint) (string, error)) error {
	failed := 0
	for _, id := range ids {
		msg, err := fn(ctx, id)
		if err != nil {
			fmt.Fprintf(out, "Record %d: %v\n", id, err)
			failed++
			continue
		}
		fmt.Fprintln(out, msg)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d records failed", failed, len(ids))
	}
	return nil
}

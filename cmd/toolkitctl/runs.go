package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
	"github.com/hal-o-swarm/odoo-toolkit/internal/toolkitctl"
)

type cmdRuns struct {
	common *CmdControl
}

func (c *cmdRuns) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Browse and follow query run history.",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}

	var cmdList = cmdRunsList{common: c.common}
	cmd.AddCommand(cmdList.command())

	var cmdGet = cmdRunsGet{common: c.common}
	cmd.AddCommand(cmdGet.command())

	var cmdWatch = cmdRunsWatch{common: c.common}
	cmd.AddCommand(cmdWatch.command())

	return cmd
}

type cmdRunsList struct {
	common *CmdControl

	flagOutcome string
	flagLimit   int
}

func (c *cmdRunsList) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent runs, newest first.",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagOutcome, "outcome", "", "Filter by outcome: succeeded, failed or timed_out")
	cmd.Flags().IntVar(&c.flagLimit, "limit", 50, "Maximum number of runs")

	return cmd
}

func (c *cmdRunsList) run(cmd *cobra.Command, args []string) error {
	client, err := c.common.client()
	if err != nil {
		return err
	}

	runs, err := toolkitctl.ListRuns(client, c.flagOutcome, c.common.FlagDatabase, c.flagLimit)
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(runs)
	}

	rows := make([][]string, len(runs))
	for i, r := range runs {
		rows[i] = []string{
			r.ID,
			r.Database,
			firstNonEmpty(r.Outcome, r.State),
			mark(r.Commit),
			formatTime(&r.StartedAt),
			formatDuration(r.DurationMS),
			truncate(r.Statement, 48),
		}
	}
	renderTable(cmd.OutOrStdout(), []string{"ID", "DB", "OUTCOME", "COMMIT", "STARTED", "DURATION", "STATEMENT"}, rows)
	return nil
}

type cmdRunsGet struct {
	common *CmdControl
}

func (c *cmdRunsGet) command() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Show one run.",
		RunE:  c.run,
	}
}

func (c *cmdRunsGet) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	run, err := toolkitctl.GetRun(client, args[0])
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(run)
	}
	printRun(cmd.OutOrStdout(), run)
	return nil
}

func printRun(w io.Writer, run *storage.QueryRun) {
	printKV(w,
		"ID", run.ID,
		"Token", run.Token,
		"Server", run.URL,
		"Database", run.Database,
		"State", run.State,
		"Outcome", firstNonEmpty(run.Outcome, "-"),
		"Commit", strconv.FormatBool(run.Commit),
		"Cron job", strconv.FormatInt(run.JobID, 10),
		"Rows", optionalInt(run.RowCount),
		"Affected rows", optionalInt(run.AffectedRows),
		"Poll attempts", strconv.Itoa(run.PollAttempts),
		"Cleanup fails", strconv.Itoa(run.CleanupFailures),
		"Started", formatTime(&run.StartedAt),
		"Finished", formatTime(run.FinishedAt),
		"Duration", formatDuration(run.DurationMS),
	)
	if run.Error != "" {
		printKV(w, "Error", fmt.Sprintf("%s (%s)", run.Error, run.ErrorKind))
	}
	fmt.Fprintf(w, "\n%s\n", run.Statement)
}

type cmdRunsWatch struct {
	common *CmdControl

	flagReconnect bool
}

func (c *cmdRunsWatch) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch [id]",
		Short: "Follow run state transitions live. With an id, stop once that run finishes.",
		RunE:  c.run,
	}

	cmd.Flags().BoolVar(&c.flagReconnect, "reconnect", false, "Reconnect when the stream drops (all runs only)")

	return cmd
}

func (c *cmdRunsWatch) run(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return cmd.Help()
	}
	runID := ""
	if len(args) == 1 {
		runID = args[0]
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	w := cmd.OutOrStdout()
	emit := func(msgType shared.MessageType, ev *shared.RunEvent) {
		if c.common.jsonOutput() {
			printJSON(ev)
			return
		}
		fmt.Fprintln(w, formatEvent(msgType, ev))
	}

	if c.flagReconnect && runID == "" {
		return client.FollowRuns(ctx, toolkitctl.DefaultBackoff(), emit, func(err error, delay time.Duration) {
			if err == nil {
				err = errors.New("closed by server")
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "stream lost (%v), reconnecting in %s\n", err, delay.Round(time.Millisecond))
		})
	}
	return client.WatchRuns(ctx, runID, emit)
}

func formatEvent(msgType shared.MessageType, ev *shared.RunEvent) string {
	at := time.UnixMilli(ev.At).Local().Format("15:04:05.000")
	line := fmt.Sprintf("%s %s %s/%s %s -> %s", at, ev.RunID, ev.URL, ev.Database, ev.From, ev.To)
	if ev.Error != "" {
		line += fmt.Sprintf(" [%s] %s", ev.ErrorKind, ev.Error)
	}
	if msgType == shared.MessageTypeRunFinished {
		line += fmt.Sprintf(" (%s, %dms, %d polls)", firstNonEmpty(ev.Outcome, "-"), ev.DurationMS, ev.PollAttempts)
	}
	return line
}

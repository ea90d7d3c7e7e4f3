package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/toolkitctl"
)

type cmdQuery struct {
	common *CmdControl

	flagCommit    bool
	flagTimeoutMS int
	flagFile      string
}

func (c *cmdQuery) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query [statement]",
		Short: "Run one SQL statement on the Odoo database. Changes are rolled back unless --commit is set.",
		RunE:  c.run,
	}

	cmd.Flags().BoolVar(&c.flagCommit, "commit", false, "Commit the transaction instead of rolling it back")
	cmd.Flags().IntVar(&c.flagTimeoutMS, "timeout-ms", 0, "Result wait budget in milliseconds (daemon default when 0)")
	cmd.Flags().StringVarP(&c.flagFile, "file", "f", "", "Read the statement from a file, - for stdin")

	return cmd
}

func (c *cmdQuery) run(cmd *cobra.Command, args []string) error {
	statement, err := c.statement(args)
	if err != nil {
		return err
	}
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	result, err := toolkitctl.RunQuery(client, conn, statement, c.flagCommit, c.flagTimeoutMS)
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(result)
	}
	printQueryResult(cmd.OutOrStdout(), result)
	return nil
}

func (c *cmdQuery) statement(args []string) (string, error) {
	if c.flagFile != "" {
		var data []byte
		var err error
		if c.flagFile == "-" {
			data, err = io.ReadAll(os.Stdin)
		} else {
			data, err = os.ReadFile(c.flagFile)
		}
		if err != nil {
			return "", fmt.Errorf("read statement: %w", err)
		}
		return strings.TrimSpace(string(data)), nil
	}
	if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
		return "", fmt.Errorf("query requires exactly one statement argument or --file")
	}
	return args[0], nil
}

func printQueryResult(w io.Writer, result *sqlrunner.QueryResult) {
	if len(result.Columns) > 0 {
		rows := make([][]string, 0, len(result.Rows))
		for _, row := range result.Rows {
			line := make([]string, len(row))
			for i, v := range row {
				line[i] = cell(v)
			}
			rows = append(rows, line)
		}
		renderTable(w, result.Columns, rows)
	}

	mode := "committed"
	if result.DryRun {
		mode = "rolled back"
	}
	status := ""
	if result.StatusMessage != nil {
		status = *result.StatusMessage
	}
	printKV(w,
		"Rows", strconv.FormatInt(result.RowCount, 10),
		"Affected rows", strconv.FormatInt(result.AffectedRows, 10),
		"Status", status,
		"Transaction", mode,
	)
}

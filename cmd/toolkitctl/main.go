// Command toolkitctl is the command line client of the toolkit daemon.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/toolkitctl"
)

// CmdControl holds the flags shared by every toolkitctl command.
type CmdControl struct {
	FlagToolkitURL string
	FlagAuthToken  string
	FlagFormat     string
	FlagTimeout    time.Duration

	FlagOdooURL  string
	FlagDatabase string
	FlagUsername string
	FlagPassword string
}

func (c *CmdControl) client() (*toolkitctl.HTTPClient, error) {
	token := c.FlagAuthToken
	if token == "" {
		token = os.Getenv("TOOLKIT_AUTH_TOKEN")
	}
	if token == "" {
		return nil, fmt.Errorf("auth token required (--auth-token or TOOLKIT_AUTH_TOKEN env var)")
	}
	return toolkitctl.NewHTTPClient(c.FlagToolkitURL, token, c.FlagTimeout), nil
}

// connection resolves the Odoo credentials from flags, then ODOO_* env vars.
func (c *CmdControl) connection() (shared.ConnectionParams, error) {
	conn := shared.ConnectionParams{
		URL:      firstNonEmpty(c.FlagOdooURL, os.Getenv("ODOO_URL")),
		DB:       firstNonEmpty(c.FlagDatabase, os.Getenv("ODOO_DB")),
		Username: firstNonEmpty(c.FlagUsername, os.Getenv("ODOO_USERNAME")),
		Password: firstNonEmpty(c.FlagPassword, os.Getenv("ODOO_PASSWORD")),
	}
	if !conn.Complete() {
		return conn, fmt.Errorf("odoo connection incomplete: set --url, --db, --username and --password (or ODOO_URL, ODOO_DB, ODOO_USERNAME, ODOO_PASSWORD)")
	}
	return conn, nil
}

func (c *CmdControl) jsonOutput() bool {
	return c.FlagFormat == "json"
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func main() {
	commonCmd := CmdControl{}

	app := &cobra.Command{
		Use:               "toolkitctl",
		Short:             "Run SQL and inspect Odoo databases through the toolkit daemon",
		SilenceUsage:      true,
		CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
	}

	defaultURL := firstNonEmpty(os.Getenv("TOOLKIT_URL"), "http://localhost:8420")
	app.PersistentFlags().StringVar(&commonCmd.FlagToolkitURL, "toolkit-url", defaultURL, "Toolkit daemon URL (or TOOLKIT_URL env var)")
	app.PersistentFlags().StringVar(&commonCmd.FlagAuthToken, "auth-token", "", "Authentication token (or TOOLKIT_AUTH_TOKEN env var)")
	app.PersistentFlags().StringVar(&commonCmd.FlagFormat, "format", "table", "Output format: table or json")
	app.PersistentFlags().DurationVar(&commonCmd.FlagTimeout, "http-timeout", toolkitctl.DefaultTimeout, "HTTP client timeout")

	app.PersistentFlags().StringVar(&commonCmd.FlagOdooURL, "url", "", "Odoo base URL")
	app.PersistentFlags().StringVar(&commonCmd.FlagDatabase, "db", "", "Odoo database")
	app.PersistentFlags().StringVar(&commonCmd.FlagUsername, "username", "", "Odoo login")
	app.PersistentFlags().StringVar(&commonCmd.FlagPassword, "password", "", "Odoo password or API key")

	var cmdQuery = cmdQuery{common: &commonCmd}
	app.AddCommand(cmdQuery.command())

	var cmdCount = cmdCount{common: &commonCmd}
	app.AddCommand(cmdCount.command())

	var cmdModules = cmdModules{common: &commonCmd}
	app.AddCommand(cmdModules.command())

	var cmdAccess = cmdAccess{common: &commonCmd}
	app.AddCommand(cmdAccess.command())

	var cmdGroups = cmdGroups{common: &commonCmd}
	app.AddCommand(cmdGroups.command())

	var cmdRuns = cmdRuns{common: &commonCmd}
	app.AddCommand(cmdRuns.command())

	app.InitDefaultHelpCmd()

	if err := app.Execute(); err != nil {
		os.Exit(1)
	}
}

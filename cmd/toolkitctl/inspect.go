package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/hal-o-swarm/odoo-toolkit/internal/inspect"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/toolkitctl"
)

type cmdCount struct {
	common *CmdControl

	flagDomain string
}

func (c *cmdCount) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count <model>",
		Short: "Count the records of a model, optionally filtered by a JSON domain.",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagDomain, "domain", "", `Search domain as a JSON array, e.g. '[["active","=",true]]'`)

	return cmd
}

func (c *cmdCount) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	count, err := toolkitctl.CountRecords(client, conn, args[0], c.flagDomain)
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(count)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: %d\n", count.Model, count.Count)
	return nil
}

type cmdModules struct {
	common *CmdControl
}

func (c *cmdModules) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "modules",
		Short: "List or compare installed modules.",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}

	var cmdList = cmdModulesList{common: c.common}
	cmd.AddCommand(cmdList.command())

	var cmdCompare = cmdModulesCompare{common: c.common}
	cmd.AddCommand(cmdCompare.command())

	return cmd
}

type cmdModulesList struct {
	common *CmdControl
}

func (c *cmdModulesList) command() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every module of the database.",
		RunE:  c.run,
	}
}

func (c *cmdModulesList) run(cmd *cobra.Command, args []string) error {
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	modules, err := toolkitctl.ListModules(client, conn)
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(modules)
	}
	renderTable(cmd.OutOrStdout(), []string{"NAME", "DISPLAY NAME", "STATE"}, moduleRows(modules))
	return nil
}

type cmdModulesCompare struct {
	common *CmdControl

	flagURL      string
	flagDatabase string
	flagUsername string
	flagPassword string
}

func (c *cmdModulesCompare) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "compare",
		Short: "Compare installed modules with a second environment given by the --env2-* flags.",
		RunE:  c.run,
	}

	cmd.Flags().StringVar(&c.flagURL, "env2-url", "", "Second environment URL")
	cmd.Flags().StringVar(&c.flagDatabase, "env2-db", "", "Second environment database")
	cmd.Flags().StringVar(&c.flagUsername, "env2-username", "", "Second environment login (defaults to --username)")
	cmd.Flags().StringVar(&c.flagPassword, "env2-password", "", "Second environment password (defaults to --password)")

	return cmd
}

func (c *cmdModulesCompare) run(cmd *cobra.Command, args []string) error {
	env1, err := c.common.connection()
	if err != nil {
		return err
	}
	env2 := shared.ConnectionParams{
		URL:      c.flagURL,
		DB:       firstNonEmpty(c.flagDatabase, env1.DB),
		Username: firstNonEmpty(c.flagUsername, env1.Username),
		Password: firstNonEmpty(c.flagPassword, env1.Password),
	}
	if env2.URL == "" {
		return fmt.Errorf("--env2-url is required")
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	cmp, err := toolkitctl.CompareModules(client, env1, env2)
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(cmp)
	}

	w := cmd.OutOrStdout()
	rows := make([][]string, 0, len(cmp.OnlyInEnv1)+len(cmp.OnlyInEnv2))
	for _, m := range cmp.OnlyInEnv1 {
		rows = append(rows, []string{m.Name, m.DisplayName, "env1 only"})
	}
	for _, m := range cmp.OnlyInEnv2 {
		rows = append(rows, []string{m.Name, m.DisplayName, "env2 only"})
	}
	if len(rows) > 0 {
		renderTable(w, []string{"NAME", "DISPLAY NAME", "PRESENT IN"}, rows)
	}
	fmt.Fprintf(w, "%d common, %d only in env1, %d only in env2\n", len(cmp.Common), len(cmp.OnlyInEnv1), len(cmp.OnlyInEnv2))
	return nil
}

func moduleRows(modules []inspect.Module) [][]string {
	rows := make([][]string, len(modules))
	for i, m := range modules {
		rows[i] = []string{m.Name, m.DisplayName, m.State}
	}
	return rows
}

type cmdAccess struct {
	common *CmdControl
}

func (c *cmdAccess) command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "access",
		Short: "Inspect model access rights of users.",
		RunE:  func(cmd *cobra.Command, args []string) error { return cmd.Help() },
	}

	var cmdCheck = cmdAccessCheck{common: c.common}
	cmd.AddCommand(cmdCheck.command())

	var cmdCompare = cmdAccessCompare{common: c.common}
	cmd.AddCommand(cmdCompare.command())

	return cmd
}

type cmdAccessCheck struct {
	common *CmdControl
}

func (c *cmdAccessCheck) command() *cobra.Command {
	return &cobra.Command{
		Use:   "check <login>",
		Short: "Show the effective model access of a user.",
		RunE:  c.run,
	}
}

func (c *cmdAccessCheck) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	report, err := toolkitctl.CheckAccess(client, conn, args[0])
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(report)
	}

	w := cmd.OutOrStdout()
	printKV(w,
		"User", fmt.Sprintf("%s (%s, id %d)", report.UserName, report.UserLogin, report.UserID),
		"Models", fmt.Sprintf("%d with access of %d", report.ModelsWithAccess, report.TotalModels),
	)
	renderTable(w, []string{"MODEL", "NAME", "READ", "WRITE", "CREATE", "UNLINK"}, accessRows(report.AccessRights))
	return nil
}

type cmdAccessCompare struct {
	common *CmdControl
}

func (c *cmdAccessCompare) command() *cobra.Command {
	return &cobra.Command{
		Use:   "compare <login> <login>",
		Short: "Show the models on which two users have different access.",
		RunE:  c.run,
	}
}

func (c *cmdAccessCompare) run(cmd *cobra.Command, args []string) error {
	if len(args) != 2 {
		return cmd.Help()
	}
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	cmp, err := toolkitctl.CompareAccess(client, conn, args[0], args[1])
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(cmp)
	}

	w := cmd.OutOrStdout()
	rows := make([][]string, 0, len(cmp.Differences))
	for _, d := range cmp.Differences {
		rows = append(rows, []string{d.Model, string(d.Status), permissionString(d.Left), permissionString(d.Right)})
	}
	if len(rows) > 0 {
		renderTable(w, []string{"MODEL", "STATUS", cmp.Left.Login, cmp.Right.Login}, rows)
	}
	fmt.Fprintf(w, "%d models differ, %d identical\n", len(cmp.Differences), cmp.IdenticalModels)
	return nil
}

func accessRows(rights []inspect.ModelAccess) [][]string {
	rows := make([][]string, len(rights))
	for i, a := range rights {
		rows[i] = []string{a.Model, a.ModelName, mark(a.Read), mark(a.Write), mark(a.Create), mark(a.Unlink)}
	}
	return rows
}

// permissionString renders flags as a compact rwcu mask.
func permissionString(p *inspect.Permissions) string {
	if p == nil {
		return "none"
	}
	var b strings.Builder
	for _, f := range []struct {
		set  bool
		char byte
	}{{p.Read, 'r'}, {p.Write, 'w'}, {p.Create, 'c'}, {p.Unlink, 'u'}} {
		if f.set {
			b.WriteByte(f.char)
		} else {
			b.WriteByte('-')
		}
	}
	return b.String()
}

type cmdGroups struct {
	common *CmdControl
}

func (c *cmdGroups) command() *cobra.Command {
	return &cobra.Command{
		Use:   "groups <login>",
		Short: "Explain the groups of a user and what each of them grants.",
		RunE:  c.run,
	}
}

func (c *cmdGroups) run(cmd *cobra.Command, args []string) error {
	if len(args) != 1 {
		return cmd.Help()
	}
	conn, err := c.common.connection()
	if err != nil {
		return err
	}
	client, err := c.common.client()
	if err != nil {
		return err
	}

	report, err := toolkitctl.GroupInsight(client, conn, args[0])
	if err != nil {
		return err
	}
	if c.common.jsonOutput() {
		return printJSON(report)
	}
	printGroupReport(cmd.OutOrStdout(), report)
	return nil
}

func printGroupReport(w io.Writer, report *inspect.GroupReport) {
	rows := make([][]string, len(report.Groups))
	for i, g := range report.Groups {
		category := "-"
		if g.Category != nil {
			category = g.Category.Name
		}
		technical := "-"
		if g.TechnicalName != nil {
			technical = *g.TechnicalName
		}
		rows[i] = []string{
			g.Name,
			technical,
			category,
			strconv.Itoa(g.ImpliedCount),
			strconv.Itoa(g.UsersCount),
			strconv.Itoa(len(g.AccessRights)),
		}
	}
	printKV(w, "User", fmt.Sprintf("%s (%s, id %d)", report.User.Name, report.User.Login, report.User.ID))
	renderTable(w, []string{"GROUP", "XML ID", "CATEGORY", "IMPLIES", "USERS", "MODELS"}, rows)
	fmt.Fprintf(w, "%d groups, %d implied, %d models with access\n",
		report.Totals.Groups, report.Totals.ImpliedGroups, report.Totals.ModelsWithAccess)
}

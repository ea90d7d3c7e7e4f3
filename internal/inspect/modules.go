package inspect

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
)

const moduleModel = "ir.module.module"

var moduleFields = []string{"name", "display_name", "state"}

// Module is an ir.module.module record.
type Module struct {
	Name        string `json:"name"`
	DisplayName string `json:"display_name"`
	State       string `json:"state"`
}

// ModuleVersionDiff is reserved for installed version comparison. It is
// always empty: modules are matched by name only.
type ModuleVersionDiff struct {
	Name     string `json:"name"`
	Version1 string `json:"version_env1"`
	Version2 string `json:"version_env2"`
}

// ModuleComparison is the answer of CompareModules.
type ModuleComparison struct {
	OnlyInEnv1  []Module            `json:"only_in_env1"`
	OnlyInEnv2  []Module            `json:"only_in_env2"`
	Common      []Module            `json:"common"`
	VersionDiff []ModuleVersionDiff `json:"version_diff"`
}

// ListModules returns every module known to the database, ordered by display
// name.
func ListModules(ctx context.Context, c Client) ([]Module, error) {
	records, err := c.SearchRead(ctx, moduleModel, []any{}, moduleFields, "display_name")
	if err != nil {
		return nil, err
	}
	return toModules(records), nil
}

func installedModules(ctx context.Context, c Client) ([]Module, error) {
	records, err := c.SearchRead(ctx, moduleModel, []any{[]any{"state", "=", "installed"}}, moduleFields, "")
	if err != nil {
		return nil, err
	}
	return toModules(records), nil
}

// CompareModules diffs the installed modules of two databases. Both are
// queried concurrently; the first failure cancels the other.
func CompareModules(ctx context.Context, env1, env2 Client) (*ModuleComparison, error) {
	var modules1, modules2 []Module

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		modules1, err = installedModules(gctx, env1)
		if err != nil {
			return fmt.Errorf("env1 %s: %w", env1.Connection().URL, err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		modules2, err = installedModules(gctx, env2)
		if err != nil {
			return fmt.Errorf("env2 %s: %w", env2.Connection().URL, err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	in1 := make(map[string]bool, len(modules1))
	for _, m := range modules1 {
		in1[m.Name] = true
	}
	in2 := make(map[string]bool, len(modules2))
	for _, m := range modules2 {
		in2[m.Name] = true
	}

	cmp := &ModuleComparison{
		OnlyInEnv1:  []Module{},
		OnlyInEnv2:  []Module{},
		Common:      []Module{},
		VersionDiff: []ModuleVersionDiff{},
	}
	for _, m := range modules1 {
		if in2[m.Name] {
			cmp.Common = append(cmp.Common, m)
		} else {
			cmp.OnlyInEnv1 = append(cmp.OnlyInEnv1, m)
		}
	}
	for _, m := range modules2 {
		if !in1[m.Name] {
			cmp.OnlyInEnv2 = append(cmp.OnlyInEnv2, m)
		}
	}
	return cmp, nil
}

func toModules(records []odoo.Record) []Module {
	modules := make([]Module, 0, len(records))
	for _, r := range records {
		name := stringOr(r["name"], "")
		modules = append(modules, Module{
			Name:        name,
			DisplayName: stringOr(r["display_name"], name),
			State:       stringOr(r["state"], ""),
		})
	}
	return modules
}

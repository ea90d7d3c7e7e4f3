package inspect

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo/odootest"
)

type record = map[string]any

var (
	fixtureModels = []record{
		{"id": 1, "model": "res.partner", "name": "Contact"},
		{"id": 2, "model": "sale.order", "name": "Sales Order"},
		{"id": 3, "model": "account.move", "name": "Journal Entry"},
		{"id": 4, "model": "ir.cron", "name": "Scheduled Actions"},
	}
	fixtureUsers = []record{
		{"id": 10, "name": "Alice", "login": "alice", "groups_id": []any{20, 21, 21}},
		{"id": 11, "name": "Bob", "login": "bob", "groups_id": []any{}},
	}
	fixtureGroups = []record{
		{"id": 20, "name": "User", "display_name": "Sales / User", "category_id": []any{5, "Sales"}, "implied_ids": []any{21}, "users": []any{10, 12}, "comment": "Sees own orders"},
		{"id": 21, "name": "Internal User", "display_name": "Internal User", "category_id": false, "implied_ids": []any{}, "users": []any{10, 11, 12}, "comment": false},
		{"id": 22, "name": "Billing", "display_name": "Accounting / Billing", "category_id": []any{6, "Accounting"}, "implied_ids": []any{21, 23}, "users": []any{11}, "comment": false},
		{"id": 23, "name": "Portal", "display_name": "Portal", "implied_ids": []any{}, "users": []any{}},
	}
	fixtureAccess = []record{
		{"id": 100, "group_id": []any{20, "Sales / User"}, "model_id": []any{2, "Sales Order"}, "perm_read": true, "perm_write": true, "perm_create": true, "perm_unlink": false},
		{"id": 101, "group_id": []any{21, "Internal User"}, "model_id": []any{1, "Contact"}, "perm_read": true, "perm_write": false, "perm_create": false, "perm_unlink": false},
		{"id": 102, "group_id": []any{21, "Internal User"}, "model_id": []any{2, "Sales Order"}, "perm_read": true, "perm_write": false, "perm_create": false, "perm_unlink": false},
		{"id": 103, "group_id": false, "model_id": []any{1, "Contact"}, "perm_read": true, "perm_write": false, "perm_create": false, "perm_unlink": false},
		{"id": 104, "group_id": []any{22, "Accounting / Billing"}, "model_id": []any{3, "Journal Entry"}, "perm_read": true, "perm_write": true, "perm_create": false, "perm_unlink": false},
		{"id": 105, "group_id": []any{20, "Sales / User"}, "model_id": []any{1, "Contact"}, "perm_read": false, "perm_write": true, "perm_create": false, "perm_unlink": false},
	}
)

// leaf returns the first domain leaf of a search call.
func leaf(args []any) (string, string, any) {
	if len(args) == 0 {
		return "", "", nil
	}
	domain, _ := args[0].([]any)
	if len(domain) == 0 {
		return "", "", nil
	}
	term, _ := domain[0].([]any)
	if len(term) != 3 {
		return "", "", nil
	}
	field, _ := term[0].(string)
	op, _ := term[1].(string)
	return field, op, term[2]
}

func argIDs(args []any) map[int64]bool {
	ids := map[int64]bool{}
	if len(args) == 0 {
		return ids
	}
	for _, id := range odoo.IDsOf(args[0]) {
		ids[id] = true
	}
	return ids
}

func idOf(r record) int64 {
	id, _ := r["id"].(int)
	return int64(id)
}

func readHandler(records []record) odootest.HandlerFunc {
	return func(args []any, kwargs map[string]any) (any, error) {
		ids := argIDs(args)
		out := []record{}
		for _, r := range records {
			if ids[idOf(r)] {
				out = append(out, r)
			}
		}
		return out, nil
	}
}

func groupRef(value any) int64 {
	pair, ok := value.([]any)
	if !ok {
		return 0
	}
	id, _ := pair[0].(int)
	return int64(id)
}

func newFixtureServer(t *testing.T) *odootest.Server {
	t.Helper()
	srv := odootest.NewServer()
	t.Cleanup(srv.Close)

	srv.Handle("res.users", "search", func(args []any, kwargs map[string]any) (any, error) {
		_, _, login := leaf(args)
		for _, u := range fixtureUsers {
			if u["login"] == login {
				return []int64{idOf(u)}, nil
			}
		}
		return []int64{}, nil
	})
	srv.Handle("res.users", "read", readHandler(fixtureUsers))
	srv.Handle("res.groups", "read", readHandler(fixtureGroups))
	srv.Handle("res.groups", "search", func(args []any, kwargs map[string]any) (any, error) {
		_, _, users := leaf(args)
		userIDs := odoo.IDsOf(users)
		out := []int64{}
		for _, g := range fixtureGroups {
			for _, member := range odoo.IDsOf(g["users"]) {
				if len(userIDs) > 0 && member == userIDs[0] {
					out = append(out, idOf(g))
				}
			}
		}
		return out, nil
	})
	srv.Handle("ir.model", "search_read", func(args []any, kwargs map[string]any) (any, error) {
		return fixtureModels, nil
	})
	srv.Handle("ir.model", "read", readHandler(fixtureModels))
	srv.Handle("ir.model.access", "search", func(args []any, kwargs map[string]any) (any, error) {
		_, op, value := leaf(args)
		out := []int64{}
		switch op {
		case "in":
			groups := map[int64]bool{}
			for _, id := range odoo.IDsOf(value) {
				groups[id] = true
			}
			for _, a := range fixtureAccess {
				if groups[groupRef(a["group_id"])] {
					out = append(out, idOf(a))
				}
			}
		case "=":
			for _, a := range fixtureAccess {
				if a["group_id"] == false {
					out = append(out, idOf(a))
				}
			}
		}
		return out, nil
	})
	srv.Handle("ir.model.access", "read", readHandler(fixtureAccess))
	return srv
}

func newFixtureSession(srv *odootest.Server) *odoo.Session {
	return odoo.NewSession(odoo.NewConnection(srv.URL, odootest.DefaultDatabase, odootest.DefaultUsername, odootest.DefaultPassword))
}

func TestCountRecords(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.Handle("res.partner", "search_count", func(args []any, kwargs map[string]any) (any, error) {
		if field, _, _ := leaf(args); field != "is_company" {
			t.Errorf("unexpected domain %v", args)
		}
		return 7, nil
	})

	domain := []any{[]any{"is_company", "=", true}}
	got, err := CountRecords(context.Background(), newFixtureSession(srv), "res.partner", domain)
	if err != nil {
		t.Fatalf("CountRecords: %v", err)
	}
	if got.Count != 7 || got.Model != "res.partner" || len(got.Domain) != 1 {
		t.Fatalf("unexpected count %+v", got)
	}
}

func TestListModules(t *testing.T) {
	srv := odootest.NewServer()
	defer srv.Close()
	srv.Handle("ir.module.module", "search_read", func(args []any, kwargs map[string]any) (any, error) {
		if kwargs["order"] != "display_name" {
			t.Errorf("expected display_name order, got %v", kwargs["order"])
		}
		return []record{
			{"id": 1, "name": "account", "display_name": "Invoicing", "state": "installed"},
			{"id": 2, "name": "sale", "display_name": "Sales", "state": "uninstalled"},
		}, nil
	})

	modules, err := ListModules(context.Background(), newFixtureSession(srv))
	if err != nil {
		t.Fatalf("ListModules: %v", err)
	}
	if len(modules) != 2 || modules[0].Name != "account" || modules[1].State != "uninstalled" {
		t.Fatalf("unexpected modules %+v", modules)
	}
}

func installedServer(t *testing.T, names ...string) *odootest.Server {
	t.Helper()
	srv := odootest.NewServer()
	t.Cleanup(srv.Close)
	srv.Handle("ir.module.module", "search_read", func(args []any, kwargs map[string]any) (any, error) {
		if _, _, state := leaf(args); state != "installed" {
			t.Errorf("expected installed filter, got %v", args)
		}
		out := []record{}
		for _, n := range names {
			out = append(out, record{"name": n, "display_name": n, "state": "installed"})
		}
		return out, nil
	})
	return srv
}

func TestCompareModules(t *testing.T) {
	env1 := installedServer(t, "base", "sale", "stock")
	env2 := installedServer(t, "base", "stock", "mrp")

	cmp, err := CompareModules(context.Background(), newFixtureSession(env1), newFixtureSession(env2))
	if err != nil {
		t.Fatalf("CompareModules: %v", err)
	}
	if len(cmp.OnlyInEnv1) != 1 || cmp.OnlyInEnv1[0].Name != "sale" {
		t.Fatalf("only_in_env1 = %+v", cmp.OnlyInEnv1)
	}
	if len(cmp.OnlyInEnv2) != 1 || cmp.OnlyInEnv2[0].Name != "mrp" {
		t.Fatalf("only_in_env2 = %+v", cmp.OnlyInEnv2)
	}
	if len(cmp.Common) != 2 {
		t.Fatalf("common = %+v", cmp.Common)
	}
	if cmp.VersionDiff == nil || len(cmp.VersionDiff) != 0 {
		t.Fatal("version_diff must be an empty list")
	}
}

func TestCompareModulesPropagatesFailure(t *testing.T) {
	env1 := installedServer(t, "base")
	env2 := odootest.NewServer()
	defer env2.Close()
	env2.Fail("ir.module.module", "search_read", "Access Denied")

	_, err := CompareModules(context.Background(), newFixtureSession(env1), newFixtureSession(env2))
	var remoteErr *odoo.RemoteError
	if !errors.As(err, &remoteErr) {
		t.Fatalf("expected remote error, got %v", err)
	}
}

func TestCheckAccessRights(t *testing.T) {
	srv := newFixtureServer(t)

	report, err := CheckAccessRights(context.Background(), newFixtureSession(srv), "alice")
	if err != nil {
		t.Fatalf("CheckAccessRights: %v", err)
	}
	if report.UserID != 10 || report.UserLogin != "alice" {
		t.Fatalf("unexpected user %+v", report)
	}
	if report.TotalModels != 4 || report.ModelsWithAccess != 2 {
		t.Fatalf("expected 2 of 4 models, got %d of %d", report.ModelsWithAccess, report.TotalModels)
	}

	got := map[string]Permissions{}
	for _, a := range report.AccessRights {
		got[a.Model] = a.Permissions
	}
	if p := got["res.partner"]; !p.Read || !p.Write || p.Create || p.Unlink {
		t.Fatalf("res.partner permissions = %+v", p)
	}
	if p := got["sale.order"]; !p.Read || !p.Write || !p.Create || p.Unlink {
		t.Fatalf("sale.order permissions = %+v", p)
	}
}

func TestCheckAccessRightsFallsBackToGroupSearch(t *testing.T) {
	srv := newFixtureServer(t)

	report, err := CheckAccessRights(context.Background(), newFixtureSession(srv), "bob")
	if err != nil {
		t.Fatalf("CheckAccessRights: %v", err)
	}
	if srv.CallCount("res.groups.search") != 1 {
		t.Fatal("expected groups to be resolved through res.groups")
	}
	if report.ModelsWithAccess != 3 {
		t.Fatalf("expected 3 models, got %+v", report.AccessRights)
	}
}

func TestCheckAccessRightsUnknownUser(t *testing.T) {
	srv := newFixtureServer(t)

	_, err := CheckAccessRights(context.Background(), newFixtureSession(srv), "mallory")
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestCompareAccessRights(t *testing.T) {
	srv := newFixtureServer(t)

	cmp, err := CompareAccessRights(context.Background(), newFixtureSession(srv), "alice", "bob")
	if err != nil {
		t.Fatalf("CompareAccessRights: %v", err)
	}
	if cmp.Left.Login != "alice" || cmp.Right.Login != "bob" {
		t.Fatalf("unexpected users %+v %+v", cmp.Left, cmp.Right)
	}

	want := []struct {
		model  string
		status AccessDiffStatus
	}{
		{"account.move", AccessOnlyRight},
		{"res.partner", AccessDifferent},
		{"sale.order", AccessDifferent},
	}
	if len(cmp.Differences) != len(want) {
		t.Fatalf("differences = %+v", cmp.Differences)
	}
	for i, w := range want {
		d := cmp.Differences[i]
		if d.Model != w.model || d.Status != w.status {
			t.Fatalf("difference %d = %s/%s, want %s/%s", i, d.Model, d.Status, w.model, w.status)
		}
	}

	partner := cmp.Differences[1]
	if len(partner.Changes) != 1 || partner.Changes[0].Permission != "write" || !partner.Changes[0].Left || partner.Changes[0].Right {
		t.Fatalf("unexpected res.partner changes %+v", partner.Changes)
	}
	if cmp.IdenticalModels != 0 {
		t.Fatalf("expected no identical models, got %d", cmp.IdenticalModels)
	}
}

func TestDiffAccessOnlyLeftComesFirst(t *testing.T) {
	left := &AccessReport{AccessRights: []ModelAccess{
		{Model: "b.model", Permissions: Permissions{Read: true}},
		{Model: "a.model", Permissions: Permissions{Read: true}},
		{Model: "same", Permissions: Permissions{Read: true}},
	}}
	right := &AccessReport{AccessRights: []ModelAccess{
		{Model: "same", Permissions: Permissions{Read: true}},
		{Model: "c.model", Permissions: Permissions{Unlink: true}},
	}}

	cmp := diffAccess(left, right)
	order := []string{"a.model", "b.model", "c.model"}
	if len(cmp.Differences) != len(order) {
		t.Fatalf("differences = %+v", cmp.Differences)
	}
	for i, model := range order {
		if cmp.Differences[i].Model != model {
			t.Fatalf("difference %d = %s, want %s", i, cmp.Differences[i].Model, model)
		}
	}
	if cmp.IdenticalModels != 1 {
		t.Fatalf("expected 1 identical model, got %d", cmp.IdenticalModels)
	}
}

func TestGroupInsight(t *testing.T) {
	srv := newFixtureServer(t)

	report, err := GroupInsight(context.Background(), newFixtureSession(srv), "alice")
	if err != nil {
		t.Fatalf("GroupInsight: %v", err)
	}
	if len(report.Groups) != 2 {
		t.Fatalf("expected 2 groups, got %+v", report.Groups)
	}
	if report.Groups[0].Name != "Internal User" || report.Groups[1].Name != "Sales / User" {
		t.Fatalf("groups not sorted by name: %s, %s", report.Groups[0].Name, report.Groups[1].Name)
	}

	sales := report.Groups[1]
	if sales.Category == nil || sales.Category.Name != "Sales" {
		t.Fatalf("unexpected category %+v", sales.Category)
	}
	if sales.TechnicalName == nil || *sales.TechnicalName != "User" {
		t.Fatalf("unexpected technical name %v", sales.TechnicalName)
	}
	if sales.ImpliedCount != 1 || sales.ImpliedGroups[0].Name != "Internal User" {
		t.Fatalf("unexpected implied groups %+v", sales.ImpliedGroups)
	}
	if sales.UsersCount != 2 {
		t.Fatalf("expected 2 users, got %d", sales.UsersCount)
	}
	if len(sales.AccessRights) != 2 || sales.AccessRights[0].ModelName != "Contact" || sales.AccessRights[1].ModelName != "Sales Order" {
		t.Fatalf("unexpected access rights %+v", sales.AccessRights)
	}
	if sales.Notes == nil || *sales.Notes != "Sees own orders" {
		t.Fatalf("unexpected notes %v", sales.Notes)
	}
	if report.Groups[0].Notes != nil || report.Groups[0].Category != nil {
		t.Fatal("false many2one and text fields must map to null")
	}

	if report.Totals.Groups != 2 || report.Totals.ImpliedGroups != 1 || report.Totals.ModelsWithAccess != 2 {
		t.Fatalf("unexpected totals %+v", report.Totals)
	}
}

func TestGroupInsightReadsExternalImpliedGroups(t *testing.T) {
	srv := newFixtureServer(t)

	report, err := GroupInsight(context.Background(), newFixtureSession(srv), "bob")
	if err != nil {
		t.Fatalf("GroupInsight: %v", err)
	}
	var billing *Group
	for i := range report.Groups {
		if report.Groups[i].ID == 22 {
			billing = &report.Groups[i]
		}
	}
	if billing == nil {
		t.Fatalf("billing group missing from %+v", report.Groups)
	}
	names := map[string]bool{}
	for _, g := range billing.ImpliedGroups {
		names[g.Name] = true
	}
	if !names["Internal User"] || !names["Portal"] {
		t.Fatalf("unexpected implied groups %+v", billing.ImpliedGroups)
	}
}

func TestParseDomain(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{"", 0, false},
		{"null", 0, false},
		{"[]", 0, false},
		{`[["active","=",true],"|"]`, 2, false},
		{`{"active":true}`, 0, true},
		{`"active"`, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDomain(json.RawMessage(tt.raw))
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidDomain) {
					t.Fatalf("expected ErrInvalidDomain, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDomain(%q): %v", tt.raw, err)
			}
			if got == nil || len(got) != tt.want {
				t.Fatalf("ParseDomain(%q) = %v, want %d terms", tt.raw, got, tt.want)
			}
		})
	}
}

package inspect

import (
	"context"
	"fmt"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
)

var accessFields = []string{"group_id", "model_id", "perm_read", "perm_write", "perm_create", "perm_unlink"}

// Permissions are the four CRUD flags of ir.model.access.
type Permissions struct {
	Read   bool `json:"read"`
	Write  bool `json:"write"`
	Create bool `json:"create"`
	Unlink bool `json:"unlink"`
}

// Any reports whether at least one flag is set.
func (p Permissions) Any() bool {
	return p.Read || p.Write || p.Create || p.Unlink
}

func (p *Permissions) merge(o Permissions) {
	p.Read = p.Read || o.Read
	p.Write = p.Write || o.Write
	p.Create = p.Create || o.Create
	p.Unlink = p.Unlink || o.Unlink
}

// ModelAccess is the effective access a user or group has on one model.
type ModelAccess struct {
	Model     string `json:"model"`
	ModelName string `json:"model_name"`
	Permissions
}

// AccessReport is the answer of CheckAccessRights.
type AccessReport struct {
	UserID           int64         `json:"user_id"`
	UserName         string        `json:"user_name"`
	UserLogin        string        `json:"user_login"`
	AccessRights     []ModelAccess `json:"access_rights"`
	TotalModels      int           `json:"total_models"`
	ModelsWithAccess int           `json:"models_with_access"`
}

type accessRow struct {
	groupID   int64
	modelID   int64
	modelName string
	perms     Permissions
}

// findUser resolves login to a user and the ids of the groups they belong to.
func findUser(ctx context.Context, c Client, login string) (UserRef, []int64, error) {
	ids, err := c.Search(ctx, "res.users", []any{[]any{"login", "=", login}}, 1)
	if err != nil {
		return UserRef{}, nil, err
	}
	if len(ids) == 0 {
		return UserRef{}, nil, fmt.Errorf("%w: %s", ErrUserNotFound, login)
	}

	users, err := c.Read(ctx, "res.users", ids[:1], []string{"id", "name", "login", "groups_id"})
	if err != nil {
		return UserRef{}, nil, err
	}
	if len(users) == 0 {
		return UserRef{}, nil, fmt.Errorf("%w: could not read user data for %s", ErrUserNotFound, login)
	}

	u := users[0]
	user := UserRef{ID: ids[0], Name: stringOr(u["name"], ""), Login: stringOr(u["login"], login)}
	if id, ok := odoo.IDOf(u["id"]); ok {
		user.ID = id
	}

	groupIDs, err := resolveGroupIDs(ctx, c, user.ID, u["groups_id"])
	if err != nil {
		return UserRef{}, nil, err
	}
	return user, groupIDs, nil
}

// resolveGroupIDs dedupes the user's groups_id value, falling back to a
// res.groups search when the field came back empty.
func resolveGroupIDs(ctx context.Context, c Client, userID int64, raw any) ([]int64, error) {
	seen := map[int64]bool{}
	groupIDs := []int64{}
	for _, id := range odoo.IDsOf(raw) {
		if !seen[id] {
			seen[id] = true
			groupIDs = append(groupIDs, id)
		}
	}
	if len(groupIDs) > 0 {
		return groupIDs, nil
	}
	return c.Search(ctx, "res.groups", []any{[]any{"users", "in", []int64{userID}}}, 0)
}

func readAccessRows(ctx context.Context, c Client, domain []any) ([]accessRow, error) {
	ids, err := c.Search(ctx, "ir.model.access", domain, 0)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	records, err := c.Read(ctx, "ir.model.access", ids, accessFields)
	if err != nil {
		return nil, err
	}

	rows := make([]accessRow, 0, len(records))
	for _, r := range records {
		modelID, ok := odoo.IDOf(r["model_id"])
		if !ok {
			continue
		}
		groupID, _ := odoo.IDOf(r["group_id"])
		name, _ := many2oneName(r["model_id"])
		rows = append(rows, accessRow{
			groupID:   groupID,
			modelID:   modelID,
			modelName: name,
			perms: Permissions{
				Read:   boolOf(r["perm_read"]),
				Write:  boolOf(r["perm_write"]),
				Create: boolOf(r["perm_create"]),
				Unlink: boolOf(r["perm_unlink"]),
			},
		})
	}
	return rows, nil
}

// CheckAccessRights returns the models login can access through their groups
// or through rules that apply to everyone.
func CheckAccessRights(ctx context.Context, c Client, login string) (*AccessReport, error) {
	user, groupIDs, err := findUser(ctx, c, login)
	if err != nil {
		return nil, err
	}

	models, err := c.SearchRead(ctx, "ir.model", []any{}, []string{"id", "model", "name"}, "")
	if err != nil {
		return nil, err
	}

	var rows []accessRow
	if len(groupIDs) > 0 {
		rows, err = readAccessRows(ctx, c, []any{[]any{"group_id", "in", groupIDs}})
		if err != nil {
			return nil, err
		}
	}
	public, err := readAccessRows(ctx, c, []any{[]any{"group_id", "=", false}})
	if err != nil {
		return nil, err
	}
	rows = append(rows, public...)

	effective := map[int64]*Permissions{}
	for _, row := range rows {
		p, ok := effective[row.modelID]
		if !ok {
			p = &Permissions{}
			effective[row.modelID] = p
		}
		p.merge(row.perms)
	}

	report := &AccessReport{
		UserID:       user.ID,
		UserName:     user.Name,
		UserLogin:    user.Login,
		AccessRights: []ModelAccess{},
		TotalModels:  len(models),
	}
	for _, m := range models {
		id, ok := odoo.IDOf(m["id"])
		if !ok {
			continue
		}
		p, ok := effective[id]
		if !ok || !p.Any() {
			continue
		}
		report.AccessRights = append(report.AccessRights, ModelAccess{
			Model:       stringOr(m["model"], ""),
			ModelName:   stringOr(m["name"], ""),
			Permissions: *p,
		})
	}
	report.ModelsWithAccess = len(report.AccessRights)
	return report, nil
}

// AccessDiffStatus says on which side a model's access differs.
type AccessDiffStatus string

const (
	AccessOnlyLeft  AccessDiffStatus = "only_left"
	AccessOnlyRight AccessDiffStatus = "only_right"
	AccessDifferent AccessDiffStatus = "different"
)

var diffStatusRank = map[AccessDiffStatus]int{
	AccessOnlyLeft:  0,
	AccessOnlyRight: 1,
	AccessDifferent: 2,
}

// PermissionChange is one flag that differs between the two users.
type PermissionChange struct {
	Permission string `json:"permission"`
	Left       bool   `json:"left"`
	Right      bool   `json:"right"`
}

// AccessDiff is one model whose access differs between the two users.
type AccessDiff struct {
	Model     string             `json:"model"`
	ModelName string             `json:"model_name"`
	Status    AccessDiffStatus   `json:"status"`
	Left      *Permissions       `json:"left,omitempty"`
	Right     *Permissions       `json:"right,omitempty"`
	Changes   []PermissionChange `json:"changes"`
}

// AccessComparison is the answer of CompareAccessRights.
type AccessComparison struct {
	Left            UserRef      `json:"left_user"`
	Right           UserRef      `json:"right_user"`
	Differences     []AccessDiff `json:"differences"`
	IdenticalModels int          `json:"identical_models"`
}

// CompareAccessRights diffs the effective access of two users of the same
// database.
func CompareAccessRights(ctx context.Context, c Client, leftLogin, rightLogin string) (*AccessComparison, error) {
	var left, right *AccessReport

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		left, err = CheckAccessRights(gctx, c, leftLogin)
		return err
	})
	g.Go(func() error {
		var err error
		right, err = CheckAccessRights(gctx, c, rightLogin)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return diffAccess(left, right), nil
}

func diffAccess(left, right *AccessReport) *AccessComparison {
	cmp := &AccessComparison{
		Left:        UserRef{ID: left.UserID, Name: left.UserName, Login: left.UserLogin},
		Right:       UserRef{ID: right.UserID, Name: right.UserName, Login: right.UserLogin},
		Differences: []AccessDiff{},
	}

	rightByModel := make(map[string]ModelAccess, len(right.AccessRights))
	for _, a := range right.AccessRights {
		rightByModel[a.Model] = a
	}
	seen := make(map[string]bool, len(left.AccessRights))

	for _, l := range left.AccessRights {
		seen[l.Model] = true
		lp := l.Permissions
		r, ok := rightByModel[l.Model]
		if !ok {
			cmp.Differences = append(cmp.Differences, AccessDiff{
				Model:     l.Model,
				ModelName: l.ModelName,
				Status:    AccessOnlyLeft,
				Left:      &lp,
				Changes:   permissionChanges(lp, Permissions{}),
			})
			continue
		}
		if lp == r.Permissions {
			cmp.IdenticalModels++
			continue
		}
		rp := r.Permissions
		cmp.Differences = append(cmp.Differences, AccessDiff{
			Model:     l.Model,
			ModelName: l.ModelName,
			Status:    AccessDifferent,
			Left:      &lp,
			Right:     &rp,
			Changes:   permissionChanges(lp, rp),
		})
	}
	for _, r := range right.AccessRights {
		if seen[r.Model] {
			continue
		}
		rp := r.Permissions
		cmp.Differences = append(cmp.Differences, AccessDiff{
			Model:     r.Model,
			ModelName: r.ModelName,
			Status:    AccessOnlyRight,
			Right:     &rp,
			Changes:   permissionChanges(Permissions{}, rp),
		})
	}

	sort.SliceStable(cmp.Differences, func(i, j int) bool {
		a, b := cmp.Differences[i], cmp.Differences[j]
		if a.Status != b.Status {
			return diffStatusRank[a.Status] < diffStatusRank[b.Status]
		}
		return a.Model < b.Model
	})
	return cmp
}

func permissionChanges(left, right Permissions) []PermissionChange {
	changes := []PermissionChange{}
	add := func(name string, l, r bool) {
		if l != r {
			changes = append(changes, PermissionChange{Permission: name, Left: l, Right: r})
		}
	}
	add("read", left.Read, right.Read)
	add("write", left.Write, right.Write)
	add("create", left.Create, right.Create)
	add("unlink", left.Unlink, right.Unlink)
	return changes
}

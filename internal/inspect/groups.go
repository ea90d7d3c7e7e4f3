package inspect

import (
	"context"
	"fmt"
	"sort"

	"github.com/hal-o-swarm/odoo-toolkit/internal/odoo"
)

// GroupRef names a res.groups record.
type GroupRef struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// Group describes one group a user belongs to.
type Group struct {
	ID            int64         `json:"id"`
	Name          string        `json:"name"`
	TechnicalName *string       `json:"technical_name"`
	Category      *GroupRef     `json:"category"`
	ImpliedGroups []GroupRef    `json:"implied_groups"`
	ImpliedCount  int           `json:"implied_count"`
	UsersCount    int           `json:"users_count"`
	AccessRights  []ModelAccess `json:"access_rights"`
	Notes         *string       `json:"notes"`
}

// GroupTotals summarizes a GroupReport.
type GroupTotals struct {
	Groups           int `json:"groups"`
	ImpliedGroups    int `json:"implied_groups"`
	ModelsWithAccess int `json:"models_with_access"`
}

// GroupReport is the answer of GroupInsight.
type GroupReport struct {
	User   UserRef     `json:"user"`
	Groups []Group     `json:"groups"`
	Totals GroupTotals `json:"totals"`
}

// GroupInsight explains which groups login belongs to, what they imply and
// which model access each of them grants.
func GroupInsight(ctx context.Context, c Client, login string) (*GroupReport, error) {
	user, groupIDs, err := findUser(ctx, c, login)
	if err != nil {
		return nil, err
	}

	report := &GroupReport{User: user, Groups: []Group{}}
	if len(groupIDs) == 0 {
		return report, nil
	}

	groupRecords, err := c.Read(ctx, "res.groups", groupIDs,
		[]string{"id", "display_name", "name", "category_id", "implied_ids", "users", "comment"})
	if err != nil {
		return nil, err
	}

	member := make(map[int64]bool, len(groupIDs))
	for _, id := range groupIDs {
		member[id] = true
	}
	implied := map[int64]bool{}
	var extraImplied []int64
	for _, g := range groupRecords {
		for _, id := range odoo.IDsOf(g["implied_ids"]) {
			if implied[id] {
				continue
			}
			implied[id] = true
			if !member[id] {
				extraImplied = append(extraImplied, id)
			}
		}
	}

	names := map[int64]string{}
	impliedRecords, err := c.Read(ctx, "res.groups", extraImplied, []string{"id", "display_name", "name"})
	if err != nil {
		return nil, err
	}
	for _, g := range append(append([]odoo.Record{}, groupRecords...), impliedRecords...) {
		if id, ok := odoo.IDOf(g["id"]); ok {
			names[id] = groupName(g)
		}
	}

	access, err := groupAccess(ctx, c, groupIDs)
	if err != nil {
		return nil, err
	}

	modelsWithAccess := map[string]bool{}
	for _, g := range groupRecords {
		id, ok := odoo.IDOf(g["id"])
		if !ok {
			continue
		}
		group := Group{
			ID:            id,
			Name:          groupName(g),
			ImpliedGroups: []GroupRef{},
			UsersCount:    countOf(g["users"]),
			AccessRights:  access[id],
		}
		if technical, ok := stringOf(g["name"]); ok {
			group.TechnicalName = &technical
		}
		if categoryID, ok := odoo.IDOf(g["category_id"]); ok {
			if categoryName, ok := many2oneName(g["category_id"]); ok {
				group.Category = &GroupRef{ID: categoryID, Name: categoryName}
			}
		}
		if notes, ok := stringOf(g["comment"]); ok {
			group.Notes = &notes
		}
		for _, impliedID := range odoo.IDsOf(g["implied_ids"]) {
			name, ok := names[impliedID]
			if !ok {
				name = fmt.Sprintf("Group %d", impliedID)
			}
			group.ImpliedGroups = append(group.ImpliedGroups, GroupRef{ID: impliedID, Name: name})
		}
		group.ImpliedCount = len(group.ImpliedGroups)
		if group.AccessRights == nil {
			group.AccessRights = []ModelAccess{}
		}
		for _, a := range group.AccessRights {
			modelsWithAccess[a.Model] = true
		}
		report.Groups = append(report.Groups, group)
	}

	sort.SliceStable(report.Groups, func(i, j int) bool {
		return report.Groups[i].Name < report.Groups[j].Name
	})
	report.Totals = GroupTotals{
		Groups:           len(report.Groups),
		ImpliedGroups:    len(implied),
		ModelsWithAccess: len(modelsWithAccess),
	}
	return report, nil
}

// groupAccess returns the access rows of each group, merged per model and
// sorted by model name.
func groupAccess(ctx context.Context, c Client, groupIDs []int64) (map[int64][]ModelAccess, error) {
	rows, err := readAccessRows(ctx, c, []any{[]any{"group_id", "in", groupIDs}})
	if err != nil {
		return nil, err
	}

	modelIDs := []int64{}
	seenModel := map[int64]bool{}
	for _, row := range rows {
		if !seenModel[row.modelID] {
			seenModel[row.modelID] = true
			modelIDs = append(modelIDs, row.modelID)
		}
	}
	models, err := c.Read(ctx, "ir.model", modelIDs, []string{"id", "model", "name"})
	if err != nil {
		return nil, err
	}
	modelInfo := make(map[int64]odoo.Record, len(models))
	for _, m := range models {
		if id, ok := odoo.IDOf(m["id"]); ok {
			modelInfo[id] = m
		}
	}

	byGroup := map[int64]map[int64]*ModelAccess{}
	for _, row := range rows {
		if row.groupID == 0 {
			continue
		}
		perModel, ok := byGroup[row.groupID]
		if !ok {
			perModel = map[int64]*ModelAccess{}
			byGroup[row.groupID] = perModel
		}
		entry, ok := perModel[row.modelID]
		if !ok {
			entry = &ModelAccess{ModelName: row.modelName}
			if m, found := modelInfo[row.modelID]; found {
				entry.Model = stringOr(m["model"], "")
				entry.ModelName = stringOr(m["name"], row.modelName)
			}
			if entry.ModelName == "" {
				entry.ModelName = fmt.Sprintf("%d", row.modelID)
			}
			perModel[row.modelID] = entry
		}
		entry.Permissions.merge(row.perms)
	}

	result := make(map[int64][]ModelAccess, len(byGroup))
	for groupID, perModel := range byGroup {
		list := make([]ModelAccess, 0, len(perModel))
		for _, entry := range perModel {
			list = append(list, *entry)
		}
		sort.Slice(list, func(i, j int) bool {
			if list[i].ModelName != list[j].ModelName {
				return list[i].ModelName < list[j].ModelName
			}
			return list[i].Model < list[j].Model
		})
		result[groupID] = list
	}
	return result, nil
}

func groupName(g odoo.Record) string {
	if name, ok := stringOf(g["display_name"]); ok {
		return name
	}
	return stringOr(g["name"], "")
}

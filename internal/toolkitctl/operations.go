package toolkitctl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"

	"github.com/hal-o-swarm/odoo-toolkit/internal/inspect"
	"github.com/hal-o-swarm/odoo-toolkit/internal/shared"
	"github.com/hal-o-swarm/odoo-toolkit/internal/sqlrunner"
	"github.com/hal-o-swarm/odoo-toolkit/internal/storage"
)

func post[T any](client *HTTPClient, path string, payload any) (*T, error) {
	body, err := client.Post(path, payload)
	if err != nil {
		return nil, err
	}
	var out T
	if err := ParseResponse(body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func RunQuery(client *HTTPClient, conn shared.ConnectionParams, query string, applyChanges bool, timeoutMS int) (*sqlrunner.QueryResult, error) {
	if query == "" {
		return nil, fmt.Errorf("query is required")
	}
	return post[sqlrunner.QueryResult](client, "/api/v1/query", shared.QueryRequest{
		Connection:   conn,
		Query:        query,
		ApplyChanges: applyChanges,
		TimeoutMS:    timeoutMS,
	})
}

// CountRecords counts model records; domain is a JSON array or empty.
func CountRecords(client *HTTPClient, conn shared.ConnectionParams, model, domain string) (*inspect.RecordCount, error) {
	req := shared.CountRequest{Connection: conn, Model: model}
	if domain != "" {
		if !json.Valid([]byte(domain)) {
			return nil, fmt.Errorf("domain is not valid JSON")
		}
		req.Domain = json.RawMessage(domain)
	}
	return post[inspect.RecordCount](client, "/api/v1/records/count", req)
}

func ListModules(client *HTTPClient, conn shared.ConnectionParams) ([]inspect.Module, error) {
	modules, err := post[[]inspect.Module](client, "/api/v1/modules/list", shared.ConnectionRequest{Connection: conn})
	if err != nil {
		return nil, err
	}
	return *modules, nil
}

func CompareModules(client *HTTPClient, env1, env2 shared.ConnectionParams) (*inspect.ModuleComparison, error) {
	return post[inspect.ModuleComparison](client, "/api/v1/modules/compare", shared.CompareModulesRequest{Env1: env1, Env2: env2})
}

func CheckAccess(client *HTTPClient, conn shared.ConnectionParams, login string) (*inspect.AccessReport, error) {
	return post[inspect.AccessReport](client, "/api/v1/access/check", shared.UserRequest{Connection: conn, TargetUser: login})
}

func CompareAccess(client *HTTPClient, conn shared.ConnectionParams, left, right string) (*inspect.AccessComparison, error) {
	return post[inspect.AccessComparison](client, "/api/v1/access/compare", shared.CompareAccessRequest{
		Connection: conn,
		LeftUser:   left,
		RightUser:  right,
	})
}

func GroupInsight(client *HTTPClient, conn shared.ConnectionParams, login string) (*inspect.GroupReport, error) {
	return post[inspect.GroupReport](client, "/api/v1/groups/insight", shared.UserRequest{Connection: conn, TargetUser: login})
}

func ListRuns(client *HTTPClient, outcome, db string, limit int) ([]storage.QueryRun, error) {
	q := url.Values{}
	if outcome != "" {
		q.Set("outcome", outcome)
	}
	if db != "" {
		q.Set("db", db)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/runs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	body, err := client.Get(path)
	if err != nil {
		return nil, err
	}
	var runs []storage.QueryRun
	if err := ParseResponse(body, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

func GetRun(client *HTTPClient, id string) (*storage.QueryRun, error) {
	if id == "" {
		return nil, fmt.Errorf("run id is required")
	}
	body, err := client.Get("/api/v1/runs/" + url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var run storage.QueryRun
	if err := ParseResponse(body, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

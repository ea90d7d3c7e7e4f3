package sqlrunner

import (
	"encoding/json"
	"strings"
)

// QueryResult is the payload written by the remote script on success.
type QueryResult struct {
	Query         string      `json:"query"`
	Columns       []string    `json:"columns"`
	Rows          [][]*string `json:"rows"`
	RowCount      int64       `json:"row_count"`
	AffectedRows  int64       `json:"affected_rows"`
	StatusMessage *string     `json:"statusmessage"`
	ExecutedAt    *string     `json:"executed_at"`
	DryRun        bool        `json:"dry_run"`
}

// errorPayload is written under the error key when the statement raises.
type errorPayload struct {
	Query string `json:"query"`
	Error string `json:"error"`
}

func parseResult(raw string) (*QueryResult, error) {
	var result QueryResult
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return nil, &Error{Kind: KindResultParse, Message: "failed to parse query result", Err: err}
	}
	if result.Columns == nil {
		result.Columns = []string{}
	}
	if result.Rows == nil {
		result.Rows = [][]*string{}
	}
	return &result, nil
}

// errorMessage extracts the remote exception text from an error payload,
// falling back to the raw text when it is not the expected JSON.
func errorMessage(raw string) string {
	var payload errorPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return raw
	}
	if strings.TrimSpace(payload.Error) == "" {
		return raw
	}
	return payload.Error
}

package shared

import "encoding/json"

// ConnectionParams are the Odoo credentials carried by every API request.
type ConnectionParams struct {
	URL      string `json:"url"`
	DB       string `json:"db"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// Complete reports whether every field is set.
func (c ConnectionParams) Complete() bool {
	return c.URL != "" && c.DB != "" && c.Username != "" && c.Password != ""
}

type QueryRequest struct {
	Connection   ConnectionParams `json:"connection"`
	Query        string           `json:"query"`
	ApplyChanges bool             `json:"apply_changes"`
	TimeoutMS    int              `json:"timeout_ms,omitempty"`
}

type CountRequest struct {
	Connection ConnectionParams `json:"connection"`
	Model      string           `json:"model"`
	Domain     json.RawMessage  `json:"domain,omitempty"`
}

type ConnectionRequest struct {
	Connection ConnectionParams `json:"connection"`
}

type CompareModulesRequest struct {
	Env1 ConnectionParams `json:"env1"`
	Env2 ConnectionParams `json:"env2"`
}

type UserRequest struct {
	Connection ConnectionParams `json:"connection"`
	TargetUser string           `json:"target_user"`
}

type CompareAccessRequest struct {
	Connection ConnectionParams `json:"connection"`
	LeftUser   string           `json:"left_user"`
	RightUser  string           `json:"right_user"`
}

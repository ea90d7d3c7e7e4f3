package odoo

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/Masterminds/semver/v3"
)

// ServerInfo is the subset of common.version the toolkit relies on.
type ServerInfo struct {
	ServerVersion     string `json:"server_version"`
	ServerVersionInfo []any  `json:"server_version_info"`
	ProtocolVersion   int    `json:"protocol_version"`
}

// ServerVersion calls common.version, which does not require a login.
func (s *Session) ServerVersion(ctx context.Context) (*semver.Version, error) {
	raw, err := s.call(ctx, serviceCommon, "version", []any{})
	if err != nil {
		return nil, err
	}
	var info ServerInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return nil, fmt.Errorf("%w: common.version: %w", ErrUnexpectedResponse, err)
	}
	return info.Version()
}

var versionPrefix = regexp.MustCompile(`(\d+)\.(\d+)`)

// Version parses the server version. server_version_info is preferred since
// server_version carries vendor decorations such as "17.0+e" or "saas~17.2".
func (i ServerInfo) Version() (*semver.Version, error) {
	if len(i.ServerVersionInfo) >= 2 {
		major, okMajor := i.ServerVersionInfo[0].(float64)
		minor, okMinor := i.ServerVersionInfo[1].(float64)
		if okMajor && okMinor {
			return semver.NewVersion(fmt.Sprintf("%d.%d.0", int(major), int(minor)))
		}
	}
	return ParseServerVersion(i.ServerVersion)
}

// ParseServerVersion extracts major.minor from an Odoo version string.
func ParseServerVersion(raw string) (*semver.Version, error) {
	match := versionPrefix.FindStringSubmatch(raw)
	if match == nil {
		return nil, fmt.Errorf("%w: unrecognized server version %q", ErrUnexpectedResponse, raw)
	}
	return semver.NewVersion(match[1] + "." + match[2] + ".0")
}

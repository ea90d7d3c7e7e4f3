package sqlrunner

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

var tokenPattern = regexp.MustCompile(`^[0-9a-f]{32}$`)

// NewToken returns a random run token: 32 lowercase hex characters.
func NewToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidToken reports whether token can be embedded in parameter keys and
// savepoint names.
func ValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// Keys holds the remote parameter keys a run reports through.
type Keys struct {
	Result string
	Error  string
}

func keysFor(resultPrefix, errorPrefix, token string) Keys {
	return Keys{
		Result: resultPrefix + token,
		Error:  errorPrefix + token,
	}
}

func savepointName(token string) string {
	return "sql_runner_" + token
}

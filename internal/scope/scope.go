// Package scope defines the identifiers that key all session-bound state:
// the (placeId, sessionId) tuple of one authoring session and the derived
// context id used for on-disk and database records.
package scope

import (
	"fmt"
	"strings"
)

// DefaultProjectKey is the namespace used when a caller does not name one.
const DefaultProjectKey = "default"

// Scope identifies one authoring session.
type Scope struct {
	PlaceID   int64  `json:"placeId"`
	SessionID string `json:"sessionId"`
}

// IsZero reports whether the scope is unset.
func (s Scope) IsZero() bool {
	return s.PlaceID == 0 && s.SessionID == ""
}

func (s Scope) String() string {
	return fmt.Sprintf("%d/%s", s.PlaceID, s.SessionID)
}

// Key namespaces context state within a scope.
type Key struct {
	Scope
	ProjectKey string
}

// NewKey builds a Key, defaulting the project key when empty.
func NewKey(s Scope, projectKey string) Key {
	if projectKey == "" {
		projectKey = DefaultProjectKey
	}
	return Key{Scope: s, ProjectKey: projectKey}
}

// ContextID derives the stable identifier for a context key. Slashes in the
// project key are flattened so the id stays filesystem-safe.
func (k Key) ContextID() string {
	safe := k.ProjectKey
	if safe == "" {
		safe = DefaultProjectKey
	}
	safe = strings.ReplaceAll(safe, "/", "_")
	return fmt.Sprintf("p_%d__s_%s__k_%s", k.PlaceID, k.SessionID, safe)
}

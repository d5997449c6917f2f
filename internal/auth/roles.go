package auth

import (
	"encoding/json"
	"sort"
	"strings"

	"reportlens/internal/apperr"
)

// Role is a position in the access hierarchy readonly < maintainer < owner.
type Role string

const (
	RoleReadonly   Role = "readonly"
	RoleMaintainer Role = "maintainer"
	RoleOwner      Role = "owner"
)

var hierarchy = []Role{RoleReadonly, RoleMaintainer, RoleOwner}

// Rank returns the position of r in the hierarchy, -1 when r is not part of it.
func (r Role) Rank() int {
	for i, h := range hierarchy {
		if h == r {
			return i
		}
	}
	return -1
}

// AtLeast returns every hierarchy role ranked at or above min.
func AtLeast(min Role) []Role {
	rank := min.Rank()
	if rank < 0 {
		return []Role{min}
	}
	out := make([]Role, 0, len(hierarchy)-rank)
	out = append(out, hierarchy[rank:]...)
	return out
}

// Roles is the normalized role set of a verified caller. It is built once per
// token from the realm-level and client-level claim locations.
type Roles map[Role]struct{}

// NewRoles merges role lists, ignoring blanks and duplicates.
func NewRoles(lists ...[]string) Roles {
	out := Roles{}
	for _, list := range lists {
		for _, r := range list {
			r = strings.TrimSpace(r)
			if r == "" {
				continue
			}
			out[Role(r)] = struct{}{}
		}
	}
	return out
}

func (r Roles) Has(role Role) bool {
	_, ok := r[role]
	return ok
}

// HasAny reports whether the set intersects required. An empty requirement
// means any authenticated caller.
func (r Roles) HasAny(required []Role) bool {
	if len(required) == 0 {
		return true
	}
	for _, role := range required {
		if r.Has(role) {
			return true
		}
	}
	return false
}

// Highest returns the highest hierarchy role held, or "" when none is held.
func (r Roles) Highest() Role {
	for i := len(hierarchy) - 1; i >= 0; i-- {
		if r.Has(hierarchy[i]) {
			return hierarchy[i]
		}
	}
	return ""
}

// List returns the roles sorted by name.
func (r Roles) List() []string {
	out := make([]string, 0, len(r))
	for role := range r {
		out = append(out, string(role))
	}
	sort.Strings(out)
	return out
}

func (r Roles) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.List())
}

// Principal is the verified identity of a caller.
type Principal struct {
	Subject  string `json:"subject"`
	Username string `json:"username,omitempty"`
	Email    string `json:"email,omitempty"`
	Roles    Roles  `json:"roles"`
}

// Authorize is the role gate: it allows p when its roles intersect required.
func Authorize(p Principal, required []Role) error {
	if p.Roles.HasAny(required) {
		return nil
	}
	names := make([]string, 0, len(required))
	for _, r := range required {
		names = append(names, string(r))
	}
	err := apperr.New(apperr.Forbidden, apperr.SourceRequest, "insufficient role; one of ["+strings.Join(names, ", ")+"] required")
	err.Details = []any{map[string]any{"required": names, "held": p.Roles.List()}}
	return err
}

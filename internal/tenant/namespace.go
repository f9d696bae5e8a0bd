package tenant

import (
	"fmt"
	"regexp"
	"strings"
)

var tenantPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]{1,31}$`)

func Normalize(raw string) string {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return "default"
	}
	return s
}

func Validate(id string) error {
	id = Normalize(id)
	if !tenantPattern.MatchString(id) {
		return fmt.Errorf("invalid tenant id %q", id)
	}
	return nil
}

// AllowList is the set of tenant ids a receiving agent accepts envelopes
// for. A nil AllowList admits everything; an empty one admits nothing.
type AllowList map[string]struct{}

func NewAllowList(ids ...string) AllowList {
	out := make(AllowList, len(ids))
	for _, id := range ids {
		out[Normalize(id)] = struct{}{}
	}
	return out
}

func (a AllowList) Allowed(id string) bool {
	if a == nil {
		return true
	}
	_, ok := a[Normalize(id)]
	return ok
}

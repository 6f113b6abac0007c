package app

import (
	"fmt"
	"strings"

	"github.com/spec-kit/helpdesk/internal/contracts"
)

// RoleAll runs every service role in one process.
const RoleAll = "all"

var knownRoles = []string{
	contracts.ServiceTicket,
	contracts.ServiceStatus,
	contracts.ServiceUser,
	contracts.ServiceNotification,
}

// ParseRoles expands a --service value into the roles to run. It accepts a
// single role, a comma separated list or "all".
func ParseRoles(value string) ([]string, error) {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" || value == RoleAll {
		return append([]string(nil), knownRoles...), nil
	}

	seen := map[string]bool{}
	var roles []string
	for _, part := range strings.Split(value, ",") {
		role := strings.TrimSpace(part)
		if role == "" || seen[role] {
			continue
		}
		if !isKnownRole(role) {
			return nil, fmt.Errorf("unknown service %q (want one of %s or %s)", role, strings.Join(knownRoles, ", "), RoleAll)
		}
		seen[role] = true
		roles = append(roles, role)
	}
	if len(roles) == 0 {
		return nil, fmt.Errorf("no service selected")
	}
	return roles, nil
}

func isKnownRole(role string) bool {
	for _, known := range knownRoles {
		if known == role {
			return true
		}
	}
	return false
}

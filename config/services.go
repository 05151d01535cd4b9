package config

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ServiceMode names an agent component that SERVICES can switch on.
type ServiceMode string

const (
	// ServiceModeSession runs the session coordinator.
	ServiceModeSession ServiceMode = "session"
	// ServiceModeRealtime runs the configured change subscriptions.
	ServiceModeRealtime ServiceMode = "realtime"

	// serviceAll expands to every mode.
	serviceAll = "all"
)

// ValidServiceModes returns all valid service mode names.
func ValidServiceModes() []ServiceMode {
	return []ServiceMode{ServiceModeSession, ServiceModeRealtime}
}

// ParseServices parses a comma-delimited list such as "session,realtime".
// Names are case-insensitive and "all" enables every mode.
func ParseServices(servicesStr string) (map[ServiceMode]bool, error) {
	if strings.TrimSpace(servicesStr) == "" {
		return nil, errors.New("at least one service must be specified")
	}

	valid := ValidServiceModes()
	services := make(map[ServiceMode]bool, len(valid))
	for _, part := range strings.Split(servicesStr, ",") {
		name := strings.ToLower(strings.TrimSpace(part))
		switch {
		case name == "":
			continue
		case name == serviceAll:
			for _, mode := range valid {
				services[mode] = true
			}
		case slices.Contains(valid, ServiceMode(name)):
			services[ServiceMode(name)] = true
		default:
			return nil, fmt.Errorf("invalid service name %q (valid: %s, %s)", part, joinModes(valid), serviceAll)
		}
	}

	if len(services) == 0 {
		return nil, errors.New("at least one valid service must be specified")
	}
	return services, nil
}

func joinModes(modes []ServiceMode) string {
	names := make([]string, len(modes))
	for i, m := range modes {
		names[i] = string(m)
	}
	return strings.Join(names, ", ")
}

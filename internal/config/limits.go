// Package config provides loading of role-based generation limits.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/quizdom-app/backend/internal/domain"
)

// RoleLimits maps a caller role to its daily generation budget.
type RoleLimits map[domain.Role]int

// limitsYAML is the on-disk override shape:
//
//	limits:
//	  Student: 5
//	  Teacher: 20
type limitsYAML struct {
	Limits map[string]int `yaml:"limits"`
}

// LoadRoleLimits builds the effective per-role limits: env defaults
// first, then the optional YAML file on top. Unknown roles in the file
// are rejected so typos fail fast at startup.
func LoadRoleLimits(cfg Config) (RoleLimits, error) {
	limits := RoleLimits{
		domain.RoleStudent:   cfg.DailyLimitStudent,
		domain.RoleTeacher:   cfg.DailyLimitTeacher,
		domain.RoleModerator: cfg.DailyLimitModerator,
		domain.RoleAdmin:     cfg.DailyLimitAdmin,
	}
	if cfg.QuotaLimitsFile == "" {
		return limits, nil
	}
	// #nosec G304 -- Configuration files are expected to be safe
	content, err := os.ReadFile(cfg.QuotaLimitsFile)
	if err != nil {
		return nil, fmt.Errorf("op=config.LoadRoleLimits read %s: %w", cfg.QuotaLimitsFile, err)
	}
	var doc limitsYAML
	if err := yaml.Unmarshal(content, &doc); err != nil {
		return nil, fmt.Errorf("op=config.LoadRoleLimits parse: %w", err)
	}
	for name, n := range doc.Limits {
		role := domain.Role(name)
		if !domain.KnownRole(role) {
			return nil, fmt.Errorf("op=config.LoadRoleLimits unknown role %q: %w", name, domain.ErrInvalidArgument)
		}
		if n < 0 {
			return nil, fmt.Errorf("op=config.LoadRoleLimits negative limit for %q: %w", name, domain.ErrInvalidArgument)
		}
		limits[role] = n
	}
	return limits, nil
}

// LimitFor returns the budget for role, zero when the role is unknown.
func (rl RoleLimits) LimitFor(role domain.Role) int {
	return rl[role]
}

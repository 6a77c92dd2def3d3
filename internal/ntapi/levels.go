package ntapi

import (
	"fmt"
	"strings"
)

// TokenLevel orders restricted-token strength from most locked down to
// unprotected. Comparisons rely on that order.
type TokenLevel int

const (
	UserLockdown TokenLevel = iota
	UserRestricted
	UserLimited
	UserInteractive
	UserRestrictedNonAdmin
	UserNonAdmin
	UserRestrictedSameAccess
	UserUnprotected
)

var tokenLevelNames = map[TokenLevel]string{
	UserLockdown:             "lockdown",
	UserRestricted:           "restricted",
	UserLimited:              "limited",
	UserInteractive:          "interactive",
	UserRestrictedNonAdmin:   "restricted_non_admin",
	UserNonAdmin:             "non_admin",
	UserRestrictedSameAccess: "restricted_same_access",
	UserUnprotected:          "unprotected",
}

func (l TokenLevel) String() string {
	if s, ok := tokenLevelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("TokenLevel(%d)", int(l))
}

// ParseTokenLevel accepts the names printed by TokenLevel.String.
func ParseTokenLevel(s string) (TokenLevel, error) {
	for l, name := range tokenLevelNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown token level %q", s)
}

// JobLevel selects the UI and process limits applied to a target's job.
type JobLevel int

const (
	JobLockdown JobLevel = iota
	JobRestricted
	JobLimitedUser
	JobInteractive
	JobUnprotected
	JobNone
)

var jobLevelNames = map[JobLevel]string{
	JobLockdown:    "lockdown",
	JobRestricted:  "restricted",
	JobLimitedUser: "limited_user",
	JobInteractive: "interactive",
	JobUnprotected: "unprotected",
	JobNone:        "none",
}

func (l JobLevel) String() string {
	if s, ok := jobLevelNames[l]; ok {
		return s
	}
	return fmt.Sprintf("JobLevel(%d)", int(l))
}

func ParseJobLevel(s string) (JobLevel, error) {
	for l, name := range jobLevelNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown job level %q", s)
}

// IntegrityLevel is the mandatory label applied to a target token.
type IntegrityLevel int

const (
	IntegritySystem IntegrityLevel = iota
	IntegrityHigh
	IntegrityMedium
	IntegrityMediumLow
	IntegrityLow
	IntegrityUntrusted
)

var integrityNames = map[IntegrityLevel]string{
	IntegritySystem:    "system",
	IntegrityHigh:      "high",
	IntegrityMedium:    "medium",
	IntegrityMediumLow: "medium_low",
	IntegrityLow:       "low",
	IntegrityUntrusted: "untrusted",
}

// SID returns the mandatory label SID string for the level.
func (l IntegrityLevel) SID() string {
	switch l {
	case IntegritySystem:
		return "S-1-16-16384"
	case IntegrityHigh:
		return "S-1-16-12288"
	case IntegrityMedium:
		return "S-1-16-8192"
	case IntegrityMediumLow:
		return "S-1-16-6144"
	case IntegrityLow:
		return "S-1-16-4096"
	default:
		return "S-1-16-0"
	}
}

func (l IntegrityLevel) String() string {
	if s, ok := integrityNames[l]; ok {
		return s
	}
	return fmt.Sprintf("IntegrityLevel(%d)", int(l))
}

func ParseIntegrityLevel(s string) (IntegrityLevel, error) {
	for l, name := range integrityNames {
		if strings.EqualFold(name, s) {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown integrity level %q", s)
}

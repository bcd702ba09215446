package model

import "time"

// RestrictionMode controls how IP and country lists are interpreted:
// "allow" means presence in the list is required, "deny" means presence
// in the list rejects.
type RestrictionMode string

const (
	RestrictionAllow RestrictionMode = "allow"
	RestrictionDeny  RestrictionMode = "deny"
)

// QuotaPeriod is one of the four rolling quota windows.
type QuotaPeriod string

const (
	PeriodMinute QuotaPeriod = "minute"
	PeriodHour   QuotaPeriod = "hour"
	PeriodDay    QuotaPeriod = "day"
	PeriodMonth  QuotaPeriod = "month"
)

// APIKey is a credential record plus its restriction and quota state.
// Current-usage counters are non-negative and are reset to zero by the
// scheduler when their period elapses.
type APIKey struct {
	ID        string     `json:"id"`
	Secret    string     `json:"-"`
	IsActive  bool       `json:"isActive"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`

	// Restrictions. Pattern fields use glob syntax (`*` wildcard),
	// matched anchored and case-insensitively.
	AllowedKeyPatterns  []string        `json:"allowedKeyPatterns,omitempty"`
	BlockedKeyPatterns  []string        `json:"blockedKeyPatterns,omitempty"`
	AllowedDomains      []string        `json:"allowedDomains,omitempty"`
	IPRestrictions      []string        `json:"ipRestrictions,omitempty"`
	CountryRestrictions []string        `json:"countryRestrictions,omitempty"`
	AllowedMethods      []string        `json:"allowedMethods,omitempty"`
	AllowedUserAgents   []string        `json:"allowedUserAgents,omitempty"`
	BlockedUserAgents   []string        `json:"blockedUserAgents,omitempty"`
	RestrictionMode     RestrictionMode `json:"restrictionMode"`
	RequireHTTPS        bool            `json:"requireHttps"`
	// Per-IP/per-domain distinct-user limits. Nil means no limit; the
	// columns are nullable, so these must stay pointers.
	MaxUsersPerIP     *int `json:"maxUsersPerIp,omitempty"`
	MaxUsersPerDomain *int `json:"maxUsersPerDomain,omitempty"`

	// Rolling quotas. A nil limit means unlimited for that period.
	MinuteQuota         *int `json:"minuteQuota,omitempty"`
	HourQuota           *int `json:"hourQuota,omitempty"`
	DailyQuota          *int `json:"dailyQuota,omitempty"`
	MonthlyQuota        *int `json:"monthlyQuota,omitempty"`
	CurrentMinuteUsage  int  `json:"currentMinuteUsage"`
	CurrentHourUsage    int  `json:"currentHourUsage"`
	CurrentDailyUsage   int  `json:"currentDailyUsage"`
	CurrentMonthlyUsage int  `json:"currentMonthlyUsage"`

	// Cumulative counters.
	TotalCalls         int64 `json:"totalCalls"`
	SuccessfulCalls    int64 `json:"successfulCalls"`
	FailedCalls        int64 `json:"failedCalls"`
	SecurityViolations int64 `json:"securityViolations"`

	LastUsedAt        *time.Time `json:"lastUsedAt,omitempty"`
	LastFailureAt     *time.Time `json:"lastFailureAt,omitempty"`
	LastFailureReason string     `json:"lastFailureReason,omitempty"`
	AvgResponseMs     int64      `json:"avgResponseMs"`
}

// QuotaLimit returns the configured limit and current usage for a period.
// A nil limit means the period is unlimited.
func (k *APIKey) QuotaLimit(p QuotaPeriod) (*int, int) {
	switch p {
	case PeriodMinute:
		return k.MinuteQuota, k.CurrentMinuteUsage
	case PeriodHour:
		return k.HourQuota, k.CurrentHourUsage
	case PeriodDay:
		return k.DailyQuota, k.CurrentDailyUsage
	case PeriodMonth:
		return k.MonthlyQuota, k.CurrentMonthlyUsage
	}
	return nil, 0
}

package admission

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/model"
)

// failureReasonLimit truncates stored failure reasons.
const failureReasonLimit = 190

// KeyStore persists API keys and their counters. All counter mutations
// are single-row updates, so no application-level locking is needed.
type KeyStore struct {
	DB *pgxpool.Pool
}

// NewKeyStore creates a Postgres-backed key store.
func NewKeyStore(db *pgxpool.Pool) *KeyStore {
	return &KeyStore{DB: db}
}

const keyColumns = `id, secret, is_active, expires_at,
	allowed_key_patterns, blocked_key_patterns, allowed_domains,
	ip_restrictions, country_restrictions, allowed_methods,
	allowed_user_agents, blocked_user_agents, restriction_mode,
	require_https, max_users_per_ip, max_users_per_domain,
	minute_quota, hour_quota, daily_quota, monthly_quota,
	current_minute_usage, current_hour_usage, current_daily_usage, current_monthly_usage,
	total_calls, successful_calls, failed_calls, security_violations,
	last_used_at, last_failure_at, last_failure_reason, avg_response_ms`

// FindBySecret looks a key up by exact secret. Returns nil when unknown.
func (s *KeyStore) FindBySecret(ctx context.Context, secret string) (*model.APIKey, error) {
	row := s.DB.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_key WHERE secret = $1`, secret)
	key, err := scanKey(row)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	return key, nil
}

// RecordUsage atomically increments the call counters and all four
// period usage counters, and stamps last_used_at.
func (s *KeyStore) RecordUsage(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE api_key SET
			total_calls           = total_calls + 1,
			successful_calls      = successful_calls + 1,
			current_minute_usage  = current_minute_usage + 1,
			current_hour_usage    = current_hour_usage + 1,
			current_daily_usage   = current_daily_usage + 1,
			current_monthly_usage = current_monthly_usage + 1,
			last_used_at          = now()
		WHERE id = $1
	`, id)
	return err
}

// RecordResponseTime folds one request's elapsed milliseconds into the
// key's running average. RecordUsage has already counted this call, so
// total_calls includes it: newAvg = round((oldAvg*(total-1) + elapsed) / total).
func (s *KeyStore) RecordResponseTime(ctx context.Context, id string, elapsedMs int64) error {
	_, err := s.DB.Exec(ctx, `
		UPDATE api_key SET
			avg_response_ms = round((avg_response_ms * (total_calls - 1) + $2)::numeric / greatest(total_calls, 1))
		WHERE id = $1
	`, id, elapsedMs)
	return err
}

// truncateReason caps a failure reason at failureReasonLimit characters.
// The column is VARCHAR(190), which counts characters, so the cut must
// land on a rune boundary.
func truncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= failureReasonLimit {
		return reason
	}
	return string(runes[:failureReasonLimit])
}

// RecordFailure increments failed_calls and stores a truncated reason.
func (s *KeyStore) RecordFailure(ctx context.Context, id, reason string) error {
	reason = truncateReason(reason)
	_, err := s.DB.Exec(ctx, `
		UPDATE api_key SET
			failed_calls        = failed_calls + 1,
			last_failure_at     = now(),
			last_failure_reason = $2
		WHERE id = $1
	`, id, reason)
	return err
}

// RecordViolation increments the security-violation counter.
func (s *KeyStore) RecordViolation(ctx context.Context, id string) error {
	_, err := s.DB.Exec(ctx,
		`UPDATE api_key SET security_violations = security_violations + 1 WHERE id = $1`, id)
	return err
}

// ResetPeriod zeroes the usage counter for one quota period on every
// key where it is non-zero. Returns the number of keys touched.
func (s *KeyStore) ResetPeriod(ctx context.Context, period model.QuotaPeriod) (int64, error) {
	var column string
	switch period {
	case model.PeriodMinute:
		column = "current_minute_usage"
	case model.PeriodHour:
		column = "current_hour_usage"
	case model.PeriodDay:
		column = "current_daily_usage"
	case model.PeriodMonth:
		column = "current_monthly_usage"
	default:
		return 0, nil
	}
	tag, err := s.DB.Exec(ctx,
		`UPDATE api_key SET `+column+` = 0 WHERE `+column+` <> 0`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// DeactivateExpired flips is_active off for keys whose expiry has
// passed. Returns the number of keys deactivated.
func (s *KeyStore) DeactivateExpired(ctx context.Context) (int64, error) {
	tag, err := s.DB.Exec(ctx, `
		UPDATE api_key SET is_active = false
		WHERE is_active = true AND expires_at IS NOT NULL AND expires_at < now()
	`)
	if err != nil {
		return 0, err
	}
	n := tag.RowsAffected()
	if n > 0 {
		log.Ctx(ctx).Info().Int64("deactivated", n).Msg("expired api keys deactivated")
	}
	return n, nil
}

func scanKey(row pgx.Row) (*model.APIKey, error) {
	var k model.APIKey
	var mode *string
	var lastFailureReason *string
	if err := row.Scan(
		&k.ID, &k.Secret, &k.IsActive, &k.ExpiresAt,
		&k.AllowedKeyPatterns, &k.BlockedKeyPatterns, &k.AllowedDomains,
		&k.IPRestrictions, &k.CountryRestrictions, &k.AllowedMethods,
		&k.AllowedUserAgents, &k.BlockedUserAgents, &mode,
		&k.RequireHTTPS, &k.MaxUsersPerIP, &k.MaxUsersPerDomain,
		&k.MinuteQuota, &k.HourQuota, &k.DailyQuota, &k.MonthlyQuota,
		&k.CurrentMinuteUsage, &k.CurrentHourUsage, &k.CurrentDailyUsage, &k.CurrentMonthlyUsage,
		&k.TotalCalls, &k.SuccessfulCalls, &k.FailedCalls, &k.SecurityViolations,
		&k.LastUsedAt, &k.LastFailureAt, &lastFailureReason, &k.AvgResponseMs,
	); err != nil {
		return nil, err
	}
	if mode != nil {
		k.RestrictionMode = model.RestrictionMode(*mode)
	}
	if k.RestrictionMode == "" {
		k.RestrictionMode = model.RestrictionAllow
	}
	if lastFailureReason != nil {
		k.LastFailureReason = *lastFailureReason
	}
	return &k, nil
}

package admission

import (
	"context"
	"net"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/mirrorkv/mirrorkv/internal/apperr"
	"github.com/mirrorkv/mirrorkv/internal/model"
)

// globMatch matches s against a glob pattern where `*` is a wildcard.
// Matching is anchored and case-insensitive. This is a contract of the
// admission gate, not an incidental choice.
func globMatch(pattern, s string) bool {
	re := "(?i)^" + strings.ReplaceAll(regexp.QuoteMeta(pattern), `\*`, ".*") + "$"
	matched, err := regexp.MatchString(re, s)
	return err == nil && matched
}

func anyGlobMatch(patterns []string, s string) bool {
	for _, p := range patterns {
		if globMatch(p, s) {
			return true
		}
	}
	return false
}

// domainMatch accepts an exact hostname or a `*.suffix` pattern that
// matches any single-or-deeper subdomain of suffix.
func domainMatch(pattern, host string) bool {
	pattern = strings.ToLower(pattern)
	host = strings.ToLower(host)
	if suffix, ok := strings.CutPrefix(pattern, "*."); ok {
		return host == suffix || strings.HasSuffix(host, "."+suffix)
	}
	return host == pattern
}

// hostFromOrigin extracts the hostname from an Origin or Referer value.
func hostFromOrigin(origin string) string {
	if origin == "" {
		return ""
	}
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return origin
	}
	return u.Hostname()
}

// ipMatch matches ip against one restriction entry: `*` matches all,
// `a.b.c.d/n` matches by network prefix, anything else is an exact
// address comparison.
func ipMatch(entry, ip string) bool {
	if entry == "*" {
		return true
	}
	if strings.Contains(entry, "/") {
		_, network, err := net.ParseCIDR(entry)
		if err != nil {
			return false
		}
		addr := net.ParseIP(ip)
		return addr != nil && network.Contains(addr)
	}
	return entry == ip
}

func anyIPMatch(entries []string, ip string) bool {
	for _, e := range entries {
		if ipMatch(e, ip) {
			return true
		}
	}
	return false
}

// checkRestrictions applies the key's restriction fields to the request
// in the specified order, returning a forbidden error on the first
// violation.
func (g *Gate) checkRestrictions(ctx context.Context, key *model.APIKey, req Request) error {
	// 1. Transport.
	if key.RequireHTTPS && !req.IsHTTPS {
		return apperr.New(apperr.Forbidden, "https required")
	}

	// 2. Method allow-list.
	if len(key.AllowedMethods) > 0 {
		allowed := false
		for _, m := range key.AllowedMethods {
			if strings.EqualFold(m, req.Method) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.Newf(apperr.Forbidden, "method %s not allowed", req.Method)
		}
	}

	// 3. User-agent: block patterns first, then allow-list.
	if anyGlobMatch(key.BlockedUserAgents, req.UserAgent) {
		return apperr.New(apperr.Forbidden, "user agent blocked")
	}
	if len(key.AllowedUserAgents) > 0 && !anyGlobMatch(key.AllowedUserAgents, req.UserAgent) {
		return apperr.New(apperr.Forbidden, "user agent not allowed")
	}

	// 4. Domain, from Origin or Referer.
	if len(key.AllowedDomains) > 0 {
		host := hostFromOrigin(req.Origin)
		allowed := false
		for _, d := range key.AllowedDomains {
			if domainMatch(d, host) {
				allowed = true
				break
			}
		}
		if !allowed {
			return apperr.Newf(apperr.Forbidden, "domain %q not allowed", host)
		}
	}

	// 5. IP list, interpreted per restriction mode.
	if len(key.IPRestrictions) > 0 {
		matched := anyIPMatch(key.IPRestrictions, req.IP)
		if key.RestrictionMode == model.RestrictionDeny && matched {
			return apperr.Newf(apperr.Forbidden, "ip %s denied", req.IP)
		}
		if key.RestrictionMode != model.RestrictionDeny && !matched {
			return apperr.Newf(apperr.Forbidden, "ip %s not allowed", req.IP)
		}
	}

	// 6. Country, same allow/deny semantics. A failed GeoIP lookup is
	// logged and the check is skipped; it never blocks.
	if len(key.CountryRestrictions) > 0 && g.Geo != nil {
		country, err := g.Geo.Country(ctx, req.IP)
		if err != nil {
			log.Ctx(ctx).Warn().Err(err).Str("ip", req.IP).Msg("geoip lookup failed, skipping country check")
		} else {
			matched := false
			for _, c := range key.CountryRestrictions {
				if strings.EqualFold(c, country) {
					matched = true
					break
				}
			}
			if key.RestrictionMode == model.RestrictionDeny && matched {
				return apperr.Newf(apperr.Forbidden, "country %s denied", country)
			}
			if key.RestrictionMode != model.RestrictionDeny && !matched {
				return apperr.Newf(apperr.Forbidden, "country %s not allowed", country)
			}
		}
	}

	// 7. Per-IP / per-domain distinct-user limits over the last 24h.
	// A nil limit means unlimited.
	if key.MaxUsersPerIP != nil && *key.MaxUsersPerIP > 0 && req.UserID != "" {
		if g.window.distinctByIP(req.IP, req.UserID) >= *key.MaxUsersPerIP {
			return apperr.New(apperr.Forbidden, "too many users from this ip")
		}
	}
	if key.MaxUsersPerDomain != nil && *key.MaxUsersPerDomain > 0 && req.UserID != "" {
		host := hostFromOrigin(req.Origin)
		if host != "" && g.window.distinctByDomain(host, req.UserID) >= *key.MaxUsersPerDomain {
			return apperr.New(apperr.Forbidden, "too many users from this domain")
		}
	}

	// 8. Storage-key patterns, only when the request addresses a key.
	if req.StorageKey != "" {
		if anyGlobMatch(key.BlockedKeyPatterns, req.StorageKey) {
			return apperr.Newf(apperr.Forbidden, "key %q blocked", req.StorageKey)
		}
		if len(key.AllowedKeyPatterns) > 0 && !anyGlobMatch(key.AllowedKeyPatterns, req.StorageKey) {
			return apperr.Newf(apperr.Forbidden, "key %q not allowed", req.StorageKey)
		}
	}

	return nil
}

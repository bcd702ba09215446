package admission

import (
	"sync"
	"time"
)

// userWindow tracks which user ids were observed per IP and per domain
// over a sliding 24-hour window. It backs the maxUsersPerIp /
// maxUsersPerDomain checks. Entries are pruned opportunistically on
// access; the whole structure is process-local.
type userWindow struct {
	mu       sync.Mutex
	byIP     map[string]map[string]time.Time
	byDomain map[string]map[string]time.Time
	maxAge   time.Duration
}

func newUserWindow() *userWindow {
	return &userWindow{
		byIP:     make(map[string]map[string]time.Time),
		byDomain: make(map[string]map[string]time.Time),
		maxAge:   24 * time.Hour,
	}
}

// record notes that userID was seen from ip and domain.
func (w *userWindow) record(ip, domain, userID string) {
	if userID == "" {
		return
	}
	now := time.Now()
	w.mu.Lock()
	defer w.mu.Unlock()
	if ip != "" {
		set := w.byIP[ip]
		if set == nil {
			set = make(map[string]time.Time)
			w.byIP[ip] = set
		}
		set[userID] = now
	}
	if domain != "" {
		set := w.byDomain[domain]
		if set == nil {
			set = make(map[string]time.Time)
			w.byDomain[domain] = set
		}
		set[userID] = now
	}
}

// distinctByIP returns how many distinct users were seen from ip in the
// window. A user already present does not count against itself, so an
// established user is never locked out by the limit.
func (w *userWindow) distinctByIP(ip, userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return countDistinct(w.byIP, ip, userID, w.maxAge)
}

// distinctByDomain is distinctByIP keyed by origin domain.
func (w *userWindow) distinctByDomain(domain, userID string) int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return countDistinct(w.byDomain, domain, userID, w.maxAge)
}

func countDistinct(index map[string]map[string]time.Time, key, userID string, maxAge time.Duration) int {
	set, ok := index[key]
	if !ok {
		return 0
	}
	cutoff := time.Now().Add(-maxAge)
	n := 0
	present := false
	for uid, seen := range set {
		if seen.Before(cutoff) {
			delete(set, uid)
			continue
		}
		if uid == userID {
			present = true
			continue
		}
		n++
	}
	if len(set) == 0 {
		delete(index, key)
	}
	if present {
		return 0
	}
	return n
}

package admission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestUserWindowDistinct(t *testing.T) {
	w := newUserWindow()

	assert.Equal(t, 0, w.distinctByIP("10.0.0.1", "alice"), "empty window")

	w.record("10.0.0.1", "example.com", "alice")
	w.record("10.0.0.1", "example.com", "bob")

	// A present user is never counted against itself.
	assert.Equal(t, 0, w.distinctByIP("10.0.0.1", "alice"))
	assert.Equal(t, 0, w.distinctByDomain("example.com", "bob"))

	// A new user sees both existing ones.
	assert.Equal(t, 2, w.distinctByIP("10.0.0.1", "carol"))
	assert.Equal(t, 2, w.distinctByDomain("example.com", "carol"))

	// Other IPs and domains are independent.
	assert.Equal(t, 0, w.distinctByIP("10.0.0.2", "carol"))
}

func TestUserWindowPrunesStaleEntries(t *testing.T) {
	w := newUserWindow()
	w.maxAge = time.Millisecond

	w.record("10.0.0.1", "", "alice")
	w.record("10.0.0.1", "", "bob")
	time.Sleep(5 * time.Millisecond)

	assert.Equal(t, 0, w.distinctByIP("10.0.0.1", "carol"), "stale entries pruned")

	// The pruned bucket is gone entirely.
	w.mu.Lock()
	_, ok := w.byIP["10.0.0.1"]
	w.mu.Unlock()
	assert.False(t, ok)
}

func TestUserWindowIgnoresEmptyUser(t *testing.T) {
	w := newUserWindow()
	w.record("10.0.0.1", "example.com", "")
	assert.Equal(t, 0, w.distinctByIP("10.0.0.1", "anyone"))
}

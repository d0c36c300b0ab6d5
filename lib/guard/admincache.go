package guard

import (
	"context"
	"log"
	"sync"
	"time"

	cache "github.com/go-pkgz/expirable-cache/v3"
)

// AnonymousAdminID is the id telegram substitutes for admins posting
// anonymously as the chat itself (GroupAnonymousBot). Always treated as admin.
const AnonymousAdminID int64 = 1087968824

// default freshness windows for the cached admin list
const (
	AdminCacheTTL      = 10 * time.Minute // message-handling path
	AdminCacheResetTTL = 2 * time.Minute  // explicit cache reset command
)

// Administrator is a single chat admin entry.
type Administrator struct {
	UserID int64
	Role   string // "administrator" or "creator"
}

// AdminFetcher retrieves the current administrator list for a chat.
type AdminFetcher func(ctx context.Context, chatID int64) ([]Administrator, error)

// AdminCache keeps per-chat administrator lists with timestamp-based freshness.
// Entries are refreshed on demand and never evicted; one entry per chat for the
// process lifetime. Concurrent refreshes for the same chat collapse into a
// single in-flight fetch, late arrivals reuse its result.
type AdminCache struct {
	fetcher AdminFetcher
	now     func() time.Time

	entries  cache.Cache[int64, adminEntry]
	inflight map[int64]*adminFetch
	mu       sync.Mutex
}

type adminEntry struct {
	admins  []Administrator
	fetched time.Time
}

type adminFetch struct {
	done   chan struct{}
	admins []Administrator
	err    error
}

// NewAdminCache makes an empty cache with the given fetcher.
func NewAdminCache(fetcher AdminFetcher) *AdminCache {
	return &AdminCache{
		fetcher:  fetcher,
		now:      time.Now,
		entries:  cache.NewCache[int64, adminEntry](),
		inflight: map[int64]*adminFetch{},
	}
}

// Admins returns the administrator list for a chat, refreshing it when older
// than ttl. A failed refresh is a soft error: the stale list is returned along
// with the error and the caller decides how loud to be about it. Moderation
// never blocks on a transient fetch failure.
func (a *AdminCache) Admins(ctx context.Context, chatID int64, ttl time.Duration) ([]Administrator, error) {
	a.mu.Lock()
	entry, ok := a.entries.Get(chatID)
	if ok && a.now().Sub(entry.fetched) <= ttl {
		a.mu.Unlock()
		return entry.admins, nil
	}

	if call, running := a.inflight[chatID]; running {
		a.mu.Unlock()
		select {
		case <-call.done:
			return call.admins, call.err
		case <-ctx.Done():
			return entry.admins, ctx.Err()
		}
	}

	call := &adminFetch{done: make(chan struct{})}
	a.inflight[chatID] = call
	a.mu.Unlock()

	admins, err := a.fetcher(ctx, chatID)

	a.mu.Lock()
	delete(a.inflight, chatID)
	if err != nil {
		// fail open, keep whatever we had before
		call.admins, call.err = entry.admins, err
		a.mu.Unlock()
		close(call.done)
		return entry.admins, err
	}
	a.entries.Set(chatID, adminEntry{admins: admins, fetched: a.now()}, 0)
	call.admins = admins
	a.mu.Unlock()
	close(call.done)
	return admins, nil
}

// IsAdmin reports if the user is an administrator or creator of the chat,
// refreshing the cached list when stale. The anonymous-admin sentinel id is
// always an admin. A refresh failure is logged and the check proceeds on
// stale data.
func (a *AdminCache) IsAdmin(ctx context.Context, chatID, userID int64, ttl time.Duration) bool {
	admins, err := a.Admins(ctx, chatID, ttl)
	if err != nil {
		log.Printf("[WARN] failed to refresh admins for chat %d, using stale data: %v", chatID, err)
	}
	if userID == AnonymousAdminID {
		return true
	}
	for _, admin := range admins {
		if admin.UserID == userID && (admin.Role == "administrator" || admin.Role == "creator") {
			return true
		}
	}
	return false
}

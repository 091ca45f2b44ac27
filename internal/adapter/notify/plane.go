// Package notify implements the cache-side notification plane: a
// capped recent list and an unread counter per recipient, written in
// pipelined batches during fanout. The document store keeps full
// history; everything here ages out on its TTL.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// recentCap bounds the cached per-user list.
const recentCap = 100

// Unread counters never go below zero, and a decrement must not revive
// an expired key without its TTL.
const luaClampedDecr = `
local v = tonumber(redis.call("GET", KEYS[1]) or "0") - tonumber(ARGV[1])
if v < 0 then v = 0 end
redis.call("SET", KEYS[1], v, "EX", tonumber(ARGV[2]))
return v
`

// Plane owns the notification keys.
type Plane struct {
	rdb        *redis.Client
	keys       cache.Keys
	batchSize  int
	decrUnread *redis.Script
	logger     *slog.Logger
}

// NewPlane builds a Plane on the shared cache client. batchSize caps
// recipients per pipeline round trip; logger may be nil.
func NewPlane(c *cache.Cache, batchSize int, logger *slog.Logger) *Plane {
	if batchSize < 1 {
		batchSize = 50
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Plane{
		rdb:        c.Client(),
		keys:       c.Keys(),
		batchSize:  batchSize,
		decrUnread: redis.NewScript(luaClampedDecr),
		logger:     logger.With(slog.String("component", "notify_plane")),
	}
}

// Push writes one notification.
func (p *Plane) Push(ctx domain.Context, n domain.Notification) error {
	_, _, err := p.PushBatch(ctx, []domain.Notification{n})
	return err
}

// PushBatch writes notifications in pipelined chunks of batchSize
// recipients. Per-recipient failures are tallied rather than aborting
// the batch; the first error is returned for the caller to decide on
// retry.
func (p *Plane) PushBatch(ctx domain.Context, ns []domain.Notification) (delivered, failed int, firstErr error) {
	for start := 0; start < len(ns); start += p.batchSize {
		end := start + p.batchSize
		if end > len(ns) {
			end = len(ns)
		}
		d, f, err := p.pushChunk(ctx, ns[start:end])
		delivered += d
		failed += f
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return delivered, failed, firstErr
}

func (p *Plane) pushChunk(ctx domain.Context, ns []domain.Notification) (delivered, failed int, firstErr error) {
	pipe := p.rdb.Pipeline()
	pushes := make([]*redis.IntCmd, 0, len(ns))
	for _, n := range ns {
		raw, err := json.Marshal(n)
		if err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("op=notify.PushBatch: marshal %s: %w", n.ID, err)
			}
			pushes = append(pushes, nil)
			continue
		}
		listKey := p.keys.Notifications(n.RecipientID)
		pushes = append(pushes, pipe.LPush(ctx, listKey, raw))
		pipe.LTrim(ctx, listKey, 0, recentCap-1)
		pipe.Expire(ctx, listKey, cache.TTLNotifications)
		pipe.Set(ctx, p.keys.Notification(n.ID), raw, cache.TTLNotifications)
		if !n.IsRead {
			unreadKey := p.keys.UnreadCount(n.RecipientID)
			pipe.Incr(ctx, unreadKey)
			pipe.Expire(ctx, unreadKey, cache.TTLUnread)
		}
	}
	_, _ = pipe.Exec(ctx)
	for i, cmd := range pushes {
		if cmd == nil {
			continue
		}
		if err := cmd.Err(); err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("op=notify.PushBatch: recipient %s: %w", ns[i].RecipientID, err)
			}
			continue
		}
		delivered++
		observability.NotificationsCreatedTotal.WithLabelValues(string(ns[i].Type)).Inc()
	}
	return delivered, failed, firstErr
}

// Recent returns up to limit cached notifications, newest first.
func (p *Plane) Recent(ctx domain.Context, userID string, limit int) ([]domain.Notification, error) {
	if limit < 1 || limit > recentCap {
		limit = recentCap
	}
	raws, err := p.rdb.LRange(ctx, p.keys.Notifications(userID), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=notify.Recent: %w", err)
	}
	out := make([]domain.Notification, 0, len(raws))
	for _, raw := range raws {
		var n domain.Notification
		if err := json.Unmarshal([]byte(raw), &n); err != nil {
			p.logger.Warn("dropping unreadable notification", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

// UnreadCount reads the counter, recomputing it from the cached list
// when the counter key has expired ahead of the list or drifted past
// the list bound under a burst.
func (p *Plane) UnreadCount(ctx domain.Context, userID string) (int, error) {
	key := p.keys.UnreadCount(userID)
	n, err := p.rdb.Get(ctx, key).Int()
	if err == nil && n <= recentCap {
		return n, nil
	}
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=notify.UnreadCount: %w", err)
	}
	drifted := err == nil

	recent, err := p.Recent(ctx, userID, recentCap)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, r := range recent {
		if !r.IsRead {
			count++
		}
	}
	if count > 0 || drifted {
		if err := p.rdb.Set(ctx, key, count, cache.TTLUnread).Err(); err != nil {
			p.logger.Warn("unread recompute write failed", slog.String("user_id", userID), slog.Any("error", err))
		}
	}
	return count, nil
}

// DecrUnread lowers the counter by delta, clamped at zero.
func (p *Plane) DecrUnread(ctx domain.Context, userID string, delta int) (int, error) {
	res, err := p.decrUnread.Run(ctx, p.rdb,
		[]string{p.keys.UnreadCount(userID)},
		delta, int(cache.TTLUnread.Seconds()),
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("op=notify.DecrUnread: %w", err)
	}
	return int(res), nil
}

// ResetUnread zeroes the counter; markAllRead reconciles per-item
// read flags lazily through the list TTL.
func (p *Plane) ResetUnread(ctx domain.Context, userID string) error {
	err := p.rdb.Set(ctx, p.keys.UnreadCount(userID), 0, cache.TTLUnread).Err()
	if err != nil {
		return fmt.Errorf("op=notify.ResetUnread: %w", err)
	}
	return nil
}

// PublishNew pushes realtime frames for freshly written
// notifications: each notification to its recipient's channel plus one
// unread-count frame per distinct recipient. Best-effort.
func (p *Plane) PublishNew(ctx domain.Context, ns []domain.Notification) {
	if len(ns) == 0 {
		return
	}
	counts := make(map[string]*redis.StringCmd, len(ns))
	pipe := p.rdb.Pipeline()
	for _, n := range ns {
		if _, ok := counts[n.RecipientID]; !ok {
			counts[n.RecipientID] = pipe.Get(ctx, p.keys.UnreadCount(n.RecipientID))
		}
	}
	_, _ = pipe.Exec(ctx)

	pub := p.rdb.Pipeline()
	published := 0
	for _, n := range ns {
		raw, err := json.Marshal(map[string]any{"event": "notification", "data": n})
		if err != nil {
			continue
		}
		pub.Publish(ctx, p.keys.FeedChannel(n.RecipientID), raw)
		published++
	}
	for uid, cmd := range counts {
		count, err := cmd.Int()
		if err != nil {
			continue
		}
		raw, err := json.Marshal(map[string]any{"event": "unread-count", "data": map[string]int{"count": count}})
		if err != nil {
			continue
		}
		pub.Publish(ctx, p.keys.FeedChannel(uid), raw)
		published++
	}
	if _, err := pub.Exec(ctx); err != nil {
		p.logger.Warn("notification publish failed", slog.Any("error", err))
		return
	}
	observability.PubSubPublishedTotal.WithLabelValues("feed-updates").Add(float64(published))
}

// PublishUnread pushes the current unread count to the user channel,
// used after read-state changes. Best-effort.
func (p *Plane) PublishUnread(ctx domain.Context, userID string, count int) {
	raw, err := json.Marshal(map[string]any{"event": "unread-count", "data": map[string]int{"count": count}})
	if err != nil {
		return
	}
	if err := p.rdb.Publish(ctx, p.keys.FeedChannel(userID), raw).Err(); err != nil {
		p.logger.Warn("unread publish failed", slog.String("user_id", userID), slog.Any("error", err))
		return
	}
	observability.PubSubPublishedTotal.WithLabelValues("feed-updates").Inc()
}

// MarkReadCached flips one cached notification to read. Returns
// whether the id was found in the cached list and whether this call
// made the false-to-true transition. The unread counter is only
// decremented on that first transition.
func (p *Plane) MarkReadCached(ctx domain.Context, userID, notifID string) (found, wasUnread bool, err error) {
	listKey := p.keys.Notifications(userID)
	raws, err := p.rdb.LRange(ctx, listKey, 0, -1).Result()
	if err != nil && err != redis.Nil {
		return false, false, fmt.Errorf("op=notify.MarkReadCached: %w", err)
	}
	for i, raw := range raws {
		var n domain.Notification
		if json.Unmarshal([]byte(raw), &n) != nil || n.ID != notifID {
			continue
		}
		if n.IsRead {
			return true, false, nil
		}
		n.IsRead = true
		updated, merr := json.Marshal(n)
		if merr != nil {
			return true, false, fmt.Errorf("op=notify.MarkReadCached: marshal: %w", merr)
		}
		// LSet races with concurrent pushes shifting indexes; a stale
		// flag ages out with the list.
		if err := p.rdb.LSet(ctx, listKey, int64(i), updated).Err(); err != nil {
			return true, false, fmt.Errorf("op=notify.MarkReadCached: %w", err)
		}
		if err := p.rdb.Set(ctx, p.keys.Notification(notifID), updated, cache.TTLNotifications).Err(); err != nil {
			p.logger.Warn("notification blob update failed", slog.String("id", notifID), slog.Any("error", err))
		}
		if _, err := p.DecrUnread(ctx, userID, 1); err != nil {
			p.logger.Warn("unread decrement failed", slog.String("user_id", userID), slog.Any("error", err))
		}
		return true, true, nil
	}
	return false, false, nil
}

// Package feed implements the Redis-backed social read paths: per-user
// timeline sorted sets, the follow graph mirror, and the trending
// index. Postgres stays the system of record; everything here is
// rebuildable and carries TTLs or size bounds.
package feed

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/observability"
	"github.com/quizdom-app/backend/internal/domain"
)

// Store owns the timeline, follow-set and trending keys.
type Store struct {
	rdb          *redis.Client
	keys         cache.Keys
	maxItems     int
	trendingSize int
	logger       *slog.Logger
}

// NewStore builds a Store on the shared cache client. maxItems bounds
// each timeline; trendingSize bounds the trending index. logger may be
// nil.
func NewStore(c *cache.Cache, maxItems, trendingSize int, logger *slog.Logger) *Store {
	if maxItems < 1 {
		maxItems = 1000
	}
	if trendingSize < 1 {
		trendingSize = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		rdb:          c.Client(),
		keys:         c.Keys(),
		maxItems:     maxItems,
		trendingSize: trendingSize,
		logger:       logger.With(slog.String("component", "feed_store")),
	}
}

// AddToTimeline inserts one entry into one user's timeline, trimming
// to the size bound and refreshing the TTL.
func (s *Store) AddToTimeline(ctx domain.Context, userID string, e domain.FeedEntry) error {
	member, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=feed.AddToTimeline: marshal: %w", err)
	}
	key := s.keys.Feed(userID)
	pipe := s.rdb.Pipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.TimestampMS), Member: member})
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.maxItems-1))
	pipe.Expire(ctx, key, cache.TTLFeed)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=feed.AddToTimeline: %w", err)
	}
	return nil
}

// DeliverBatch writes one entry into many timelines in a single
// pipeline. When dedupe is set, timelines already containing the post
// within their newest entries are skipped. Per-user failures are
// counted, not fatal; the first error is returned alongside the tallies
// for aggregation by the caller.
func (s *Store) DeliverBatch(ctx domain.Context, userIDs []string, e domain.FeedEntry, dedupe bool) (delivered, failed int, firstErr error) {
	if len(userIDs) == 0 {
		return 0, 0, nil
	}
	member, err := json.Marshal(e)
	if err != nil {
		return 0, len(userIDs), fmt.Errorf("op=feed.DeliverBatch: marshal: %w", err)
	}

	targets := userIDs
	if dedupe {
		targets, failed, firstErr = s.filterDelivered(ctx, userIDs, e.PostID)
		delivered += len(userIDs) - len(targets) - failed
	}

	pipe := s.rdb.Pipeline()
	type userCmds struct {
		userID string
		add    *redis.IntCmd
	}
	cmds := make([]userCmds, 0, len(targets))
	for _, uid := range targets {
		key := s.keys.Feed(uid)
		add := pipe.ZAdd(ctx, key, redis.Z{Score: float64(e.TimestampMS), Member: member})
		pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.maxItems-1))
		pipe.Expire(ctx, key, cache.TTLFeed)
		cmds = append(cmds, userCmds{userID: uid, add: add})
	}
	_, execErr := pipe.Exec(ctx)
	for _, c := range cmds {
		if err := c.add.Err(); err != nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("op=feed.DeliverBatch: user %s: %w", c.userID, err)
			}
			continue
		}
		delivered++
	}
	if execErr != nil && firstErr == nil && failed == 0 {
		// Pipeline transport failure without per-command errors.
		return 0, len(targets), fmt.Errorf("op=feed.DeliverBatch: %w", execErr)
	}
	observability.FanoutDeliveriesTotal.Add(float64(delivered))
	observability.FanoutFailuresTotal.Add(float64(failed))
	return delivered, failed, firstErr
}

// filterDelivered drops users whose timelines already reference the
// post among their newest dedupeScanDepth entries.
const dedupeScanDepth = 200

func (s *Store) filterDelivered(ctx domain.Context, userIDs []string, postID string) (remaining []string, failed int, firstErr error) {
	pipe := s.rdb.Pipeline()
	scans := make([]*redis.StringSliceCmd, len(userIDs))
	for i, uid := range userIDs {
		scans[i] = pipe.ZRevRange(ctx, s.keys.Feed(uid), 0, dedupeScanDepth-1)
	}
	_, _ = pipe.Exec(ctx)

	needle := `"postId":"` + postID + `"`
	for i, cmd := range scans {
		members, err := cmd.Result()
		if err != nil && err != redis.Nil {
			failed++
			if firstErr == nil {
				firstErr = fmt.Errorf("op=feed.dedupe: user %s: %w", userIDs[i], err)
			}
			continue
		}
		seen := false
		for _, m := range members {
			if strings.Contains(m, needle) {
				seen = true
				break
			}
		}
		if !seen {
			remaining = append(remaining, userIDs[i])
		}
	}
	return remaining, failed, firstErr
}

// Timeline returns one page of entries, newest first.
func (s *Store) Timeline(ctx domain.Context, userID string, offset, limit int) ([]domain.FeedEntry, error) {
	if limit < 1 {
		limit = 20
	}
	members, err := s.rdb.ZRevRange(ctx, s.keys.Feed(userID), int64(offset), int64(offset+limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=feed.Timeline: %w", err)
	}
	out := make([]domain.FeedEntry, 0, len(members))
	for _, m := range members {
		var e domain.FeedEntry
		if err := json.Unmarshal([]byte(m), &e); err != nil {
			s.logger.Warn("dropping unreadable feed entry", slog.String("user_id", userID), slog.Any("error", err))
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

// TimelineSize returns the current cardinality of a user's timeline.
func (s *Store) TimelineSize(ctx domain.Context, userID string) (int64, error) {
	n, err := s.rdb.ZCard(ctx, s.keys.Feed(userID)).Result()
	if err != nil && err != redis.Nil {
		return 0, fmt.Errorf("op=feed.TimelineSize: %w", err)
	}
	return n, nil
}

// Follow mirrors a new follow edge into both direction sets.
func (s *Store) Follow(ctx domain.Context, followerID, followingID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, s.keys.Following(followerID), followingID)
	pipe.SAdd(ctx, s.keys.Followers(followingID), followerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=feed.Follow: %w", err)
	}
	return nil
}

// Unfollow removes a follow edge from both direction sets.
func (s *Store) Unfollow(ctx domain.Context, followerID, followingID string) error {
	pipe := s.rdb.Pipeline()
	pipe.SRem(ctx, s.keys.Following(followerID), followingID)
	pipe.SRem(ctx, s.keys.Followers(followingID), followerID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=feed.Unfollow: %w", err)
	}
	return nil
}

// FollowerIDs returns the mirrored follower set.
func (s *Store) FollowerIDs(ctx domain.Context, userID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.Followers(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=feed.FollowerIDs: %w", err)
	}
	return ids, nil
}

// FollowingIDs returns the mirrored following set.
func (s *Store) FollowingIDs(ctx domain.Context, userID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, s.keys.Following(userID)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=feed.FollowingIDs: %w", err)
	}
	return ids, nil
}

// SeedFollowSets replaces both mirror sets for a user, used when the
// cache is cold and the edges were loaded from the store.
func (s *Store) SeedFollowSets(ctx domain.Context, userID string, followerIDs, followingIDs []string) {
	pipe := s.rdb.Pipeline()
	fk, gk := s.keys.Followers(userID), s.keys.Following(userID)
	pipe.Del(ctx, fk, gk)
	if len(followerIDs) > 0 {
		pipe.SAdd(ctx, fk, toAnySlice(followerIDs)...)
	}
	if len(followingIDs) > 0 {
		pipe.SAdd(ctx, gk, toAnySlice(followingIDs)...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("follow set seed failed", slog.String("user_id", userID), slog.Any("error", err))
	}
}

// Stats returns follower/following cardinalities in one round trip.
func (s *Store) Stats(ctx domain.Context, userID string) (domain.FollowStats, error) {
	pipe := s.rdb.Pipeline()
	followers := pipe.SCard(ctx, s.keys.Followers(userID))
	following := pipe.SCard(ctx, s.keys.Following(userID))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return domain.FollowStats{}, fmt.Errorf("op=feed.Stats: %w", err)
	}
	return domain.FollowStats{
		Followers: int(followers.Val()),
		Following: int(following.Val()),
	}, nil
}

// TouchTrending ensures a post is present in the trending index (score
// 0 when new), trims to the size bound and refreshes the TTL.
func (s *Store) TouchTrending(ctx domain.Context, postID string) error {
	return s.bumpTrending(ctx, postID, 0)
}

// IncrTrending adjusts a post's engagement score.
func (s *Store) IncrTrending(ctx domain.Context, postID string, delta float64) error {
	return s.bumpTrending(ctx, postID, delta)
}

func (s *Store) bumpTrending(ctx domain.Context, postID string, delta float64) error {
	key := s.keys.Trending()
	pipe := s.rdb.Pipeline()
	pipe.ZIncrBy(ctx, key, delta, postID)
	pipe.ZRemRangeByRank(ctx, key, 0, int64(-s.trendingSize-1))
	pipe.Expire(ctx, key, cache.TTLTrending)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=feed.bumpTrending: %w", err)
	}
	return nil
}

// TopTrending returns up to limit post ids by descending score.
func (s *Store) TopTrending(ctx domain.Context, limit int) ([]redis.Z, error) {
	if limit < 1 || limit > s.trendingSize {
		limit = s.trendingSize
	}
	zs, err := s.rdb.ZRevRangeWithScores(ctx, s.keys.Trending(), 0, int64(limit-1)).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("op=feed.TopTrending: %w", err)
	}
	return zs, nil
}

// RemoveTrending drops a post from the trending index, used on delete.
func (s *Store) RemoveTrending(ctx domain.Context, postID string) {
	if err := s.rdb.ZRem(ctx, s.keys.Trending(), postID).Err(); err != nil && err != redis.Nil {
		s.logger.Warn("trending remove failed", slog.String("post_id", postID), slog.Any("error", err))
	}
}

// PublishFeedUpdates broadcasts one payload to each user's channel in
// a single pipeline. Best-effort: the realtime plane is a convenience
// on top of the polled feed.
func (s *Store) PublishFeedUpdates(ctx domain.Context, userIDs []string, payload any) {
	if len(userIDs) == 0 {
		return
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn("feed update marshal failed", slog.Any("error", err))
		return
	}
	pipe := s.rdb.Pipeline()
	for _, uid := range userIDs {
		pipe.Publish(ctx, s.keys.FeedChannel(uid), raw)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		s.logger.Warn("feed update publish failed", slog.Any("error", err))
		return
	}
	observability.PubSubPublishedTotal.WithLabelValues("feed-updates").Add(float64(len(userIDs)))
}

func toAnySlice(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

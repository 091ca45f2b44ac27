package usecase

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quizdom-app/backend/internal/adapter/cache"
	"github.com/quizdom-app/backend/internal/adapter/feed"
	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/domain"
)

const (
	// maxFeedPageSize bounds one page of feed or trending reads.
	maxFeedPageSize = 50
	// rebuildFeedDepth caps how many store rows seed a cold timeline.
	// Deeper history ages back in through normal fanout.
	rebuildFeedDepth = 200
)

// SocialService owns the write path of the social plane (posts, likes,
// comments, follows) and its read projections (home feed, trending,
// follow stats). Postgres is the system of record; the Redis
// projections are rebuilt on demand when their TTLs have lapsed.
type SocialService struct {
	Posts    domain.PostRepository
	Comments domain.CommentRepository
	Likes    domain.LikeRepository
	Follows  domain.FollowRepository
	Queue    domain.Queue
	Events   domain.EventPublisher
	Feeds    *feed.Store
	Cache    *cache.Cache
}

// NewSocialService constructs a SocialService with its dependencies.
func NewSocialService(
	posts domain.PostRepository,
	comments domain.CommentRepository,
	likes domain.LikeRepository,
	follows domain.FollowRepository,
	queue domain.Queue,
	events domain.EventPublisher,
	feeds *feed.Store,
	c *cache.Cache,
) SocialService {
	return SocialService{
		Posts:    posts,
		Comments: comments,
		Likes:    likes,
		Follows:  follows,
		Queue:    queue,
		Events:   events,
		Feeds:    feeds,
		Cache:    c,
	}
}

// CreatePostRequest carries a post submission after edge validation.
// Mentions are recipient user ids; the client resolves display names
// to ids before submitting.
type CreatePostRequest struct {
	AuthorID     string
	AuthorName   string
	AuthorAvatar string
	Content      string
	Images       []string
	Type         domain.PostType
	RelatedQuiz  string
	RelatedAchmt string
	Visibility   domain.Visibility
	Hashtags     []string
	Mentions     []string
}

// CreatePost validates and publishes a post: the record goes live in
// the cache immediately, the store write and the timeline fanout ride
// the queue. Readers see the post before the row exists.
func (s SocialService) CreatePost(ctx domain.Context, req CreatePostRequest) (domain.Post, error) {
	post := domain.Post{
		ID:           uuid.NewString(),
		AuthorID:     req.AuthorID,
		AuthorName:   req.AuthorName,
		AuthorAvatar: req.AuthorAvatar,
		Content:      strings.TrimSpace(req.Content),
		Images:       req.Images,
		Type:         req.Type,
		RelatedQuiz:  req.RelatedQuiz,
		RelatedAchmt: req.RelatedAchmt,
		Visibility:   req.Visibility,
		Hashtags:     extractHashtags(req.Content, req.Hashtags),
		Mentions:     dedupeStrings(req.Mentions),
		CreatedAt:    time.Now().UTC(),
	}
	if post.Type == "" {
		post.Type = domain.PostText
	}
	if post.Visibility == "" {
		post.Visibility = domain.VisibilityPublic
	}
	if err := post.Validate(); err != nil {
		return domain.Post{}, err
	}

	s.Cache.SetJSON(ctx, s.Cache.Keys().Post(post.ID), post, cache.TTLPost)

	followers, err := s.followerSnapshot(ctx, post.AuthorID)
	if err != nil {
		return domain.Post{}, err
	}

	if err := s.Queue.EnqueuePersistPost(ctx, domain.PersistPostTaskPayload{Post: post}); err != nil {
		s.Cache.Delete(ctx, s.Cache.Keys().Post(post.ID))
		return domain.Post{}, err
	}
	if err := s.Queue.EnqueueFanout(ctx, domain.FanoutTaskPayload{Post: post, FollowerIDs: followers}); err != nil {
		return domain.Post{}, err
	}

	evt, merr := json.Marshal(map[string]any{
		"type":       "post.created",
		"postId":     post.ID,
		"authorId":   post.AuthorID,
		"postType":   string(post.Type),
		"visibility": string(post.Visibility),
		"createdAt":  post.CreatedAt,
	})
	if merr == nil {
		s.Events.Publish(ctx, domain.TopicSocialEvents, post.ID, evt)
	}
	return post, nil
}

// Feed returns one page of the user's home timeline, newest first,
// with read-time visibility filtering. A cold timeline is rebuilt from
// the store before serving.
func (s SocialService) Feed(ctx domain.Context, userID string, page, limit int) ([]domain.Post, bool, error) {
	if userID == "" {
		return nil, false, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxFeedPageSize {
		limit = 20
	}

	entries, err := s.Feeds.Timeline(ctx, userID, (page-1)*limit, limit+1)
	if err != nil {
		return nil, false, err
	}
	if len(entries) == 0 && page == 1 {
		return s.rebuildFeed(ctx, userID, limit)
	}
	hasMore := len(entries) > limit
	if hasMore {
		entries = entries[:limit]
	}
	posts, err := s.hydrateEntries(ctx, userID, entries)
	if err != nil {
		return nil, false, err
	}
	return posts, hasMore, nil
}

// Trending returns the highest-engagement public posts, scored
// likes + 2*comments + 3*shares, created-at breaking score ties.
func (s SocialService) Trending(ctx domain.Context, limit int) ([]domain.Post, error) {
	if limit < 1 || limit > maxFeedPageSize {
		limit = 10
	}
	ranked, err := s.Feeds.TopTrending(ctx, limit)
	if err != nil {
		return nil, err
	}
	if len(ranked) == 0 {
		return []domain.Post{}, nil
	}

	ids := make([]string, 0, len(ranked))
	scores := make(map[string]float64, len(ranked))
	for _, z := range ranked {
		id, ok := z.Member.(string)
		if !ok {
			continue
		}
		ids = append(ids, id)
		scores[id] = z.Score
	}
	rows, err := s.Posts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Post, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}

	out := make([]domain.Post, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok {
			if !s.Cache.GetJSON(ctx, s.Cache.Keys().Post(id), &p) || p.ID != id {
				continue
			}
		}
		if p.IsDeleted || p.Visibility != domain.VisibilityPublic {
			continue
		}
		out = append(out, p)
	}
	sort.SliceStable(out, func(i, j int) bool {
		si, sj := scores[out[i].ID], scores[out[j].ID]
		if si != sj {
			return si > sj
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// LikePost records a like, bumps the counter and the trending score,
// and notifies the author. Duplicate likes surface as ErrConflict.
func (s SocialService) LikePost(ctx domain.Context, userID, userName, postID string) (int, error) {
	if userID == "" || postID == "" {
		return 0, fmt.Errorf("%w: user and post ids required", domain.ErrInvalidArgument)
	}
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return 0, err
	}
	if post.IsDeleted {
		return 0, fmt.Errorf("%w: post %s", domain.ErrNotFound, postID)
	}
	err = s.Likes.Create(ctx, domain.Like{
		UserID:     userID,
		TargetType: domain.LikePost,
		TargetID:   postID,
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return 0, err
	}

	likes, err := s.Posts.IncCounter(ctx, postID, domain.CounterLikes, 1)
	if err != nil {
		return 0, err
	}
	s.Cache.Delete(ctx, s.Cache.Keys().Post(postID))
	_ = s.Feeds.IncrTrending(ctx, postID, 1)

	if post.AuthorID != userID {
		s.Cache.Publish(ctx, s.Cache.Keys().FeedChannel(post.AuthorID), map[string]any{
			"event": "post-liked-notification",
			"data":  map[string]any{"postId": postID, "userId": userID, "userName": userName, "likes": likes},
		})
		n := notify.NewLike(post.AuthorID, userID, userName, postID)
		if err := s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, false); err != nil {
			return likes, err
		}
	}
	return likes, nil
}

// UnlikePost removes a like and reverses its counter and trending
// effects. Unliking something never liked surfaces as ErrNotFound.
func (s SocialService) UnlikePost(ctx domain.Context, userID, postID string) (int, error) {
	if userID == "" || postID == "" {
		return 0, fmt.Errorf("%w: user and post ids required", domain.ErrInvalidArgument)
	}
	if err := s.Likes.Delete(ctx, userID, domain.LikePost, postID); err != nil {
		return 0, err
	}
	likes, err := s.Posts.IncCounter(ctx, postID, domain.CounterLikes, -1)
	if err != nil {
		return 0, err
	}
	s.Cache.Delete(ctx, s.Cache.Keys().Post(postID))
	_ = s.Feeds.IncrTrending(ctx, postID, -1)
	return likes, nil
}

// CommentRequest carries a comment submission.
type CommentRequest struct {
	PostID          string
	AuthorID        string
	AuthorName      string
	Content         string
	ParentCommentID string
}

// CreateComment stores a comment, bumps the post counter and trending
// score, notifies the post author, and pushes a live frame to everyone
// watching the post.
func (s SocialService) CreateComment(ctx domain.Context, req CommentRequest) (domain.Comment, error) {
	comment := domain.Comment{
		ID:              uuid.NewString(),
		PostID:          req.PostID,
		AuthorID:        req.AuthorID,
		AuthorName:      req.AuthorName,
		Content:         strings.TrimSpace(req.Content),
		ParentCommentID: req.ParentCommentID,
		CreatedAt:       time.Now().UTC(),
	}
	if err := comment.Validate(); err != nil {
		return domain.Comment{}, err
	}
	post, err := s.getPost(ctx, comment.PostID)
	if err != nil {
		return domain.Comment{}, err
	}
	if post.IsDeleted {
		return domain.Comment{}, fmt.Errorf("%w: post %s", domain.ErrNotFound, comment.PostID)
	}
	if err := s.Comments.Create(ctx, comment); err != nil {
		return domain.Comment{}, err
	}

	if _, err := s.Posts.IncCounter(ctx, comment.PostID, domain.CounterComments, 1); err != nil {
		return domain.Comment{}, err
	}
	s.Cache.Delete(ctx, s.Cache.Keys().Post(comment.PostID))
	_ = s.Feeds.IncrTrending(ctx, comment.PostID, 2)

	frame := map[string]any{
		"event": "post-commented-notification",
		"data":  map[string]any{"postId": comment.PostID, "comment": comment},
	}
	s.Cache.Publish(ctx, s.Cache.Keys().PostChannel(comment.PostID), frame)
	if post.AuthorID != comment.AuthorID {
		s.Cache.Publish(ctx, s.Cache.Keys().FeedChannel(post.AuthorID), frame)
		n := notify.NewComment(post.AuthorID, comment.AuthorID, comment.AuthorName, comment.PostID, comment.ID)
		if err := s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, true); err != nil {
			return comment, err
		}
	}
	return comment, nil
}

// CommentsPage lists one page of a post's comments, oldest first, plus
// the total count.
func (s SocialService) CommentsPage(ctx domain.Context, postID string, page, limit int) ([]domain.Comment, int, error) {
	if postID == "" {
		return nil, 0, fmt.Errorf("%w: post id required", domain.ErrInvalidArgument)
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxFeedPageSize {
		limit = 20
	}
	return s.Comments.ListByPost(ctx, postID, page, limit)
}

// SharePost counts a share. Shares carry the highest trending weight.
func (s SocialService) SharePost(ctx domain.Context, userID, postID string) (int, error) {
	if userID == "" || postID == "" {
		return 0, fmt.Errorf("%w: user and post ids required", domain.ErrInvalidArgument)
	}
	shares, err := s.Posts.IncCounter(ctx, postID, domain.CounterShares, 1)
	if err != nil {
		return 0, err
	}
	s.Cache.Delete(ctx, s.Cache.Keys().Post(postID))
	_ = s.Feeds.IncrTrending(ctx, postID, 3)
	return shares, nil
}

// DeletePost soft-deletes a post. Authors delete their own; moderators
// and admins delete anything. Timeline entries stay in place and are
// filtered at read time.
func (s SocialService) DeletePost(ctx domain.Context, postID, callerID string, role domain.Role) error {
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return err
	}
	if post.AuthorID != callerID && !privilegedRole(role) {
		return fmt.Errorf("%w: not the post author", domain.ErrForbidden)
	}
	if err := s.Posts.SoftDelete(ctx, postID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		return err
	}
	s.Cache.Delete(ctx, s.Cache.Keys().Post(postID))
	s.Feeds.RemoveTrending(ctx, postID)
	return nil
}

// FollowUser records a follow edge, mirrors it into the cached sets,
// and notifies the followed user. Self-follows and duplicates surface
// as ErrInvalidArgument and ErrConflict from the repository.
func (s SocialService) FollowUser(ctx domain.Context, followerID, followerName, followingID string) error {
	if followerID == "" || followingID == "" {
		return fmt.Errorf("%w: follower and following ids required", domain.ErrInvalidArgument)
	}
	err := s.Follows.Create(ctx, domain.Follow{
		FollowerID:  followerID,
		FollowingID: followingID,
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	_ = s.Feeds.Follow(ctx, followerID, followingID)

	s.Cache.Publish(ctx, s.Cache.Keys().FeedChannel(followingID), map[string]any{
		"event": "new-follower-notification",
		"data":  map[string]any{"followerId": followerID, "followerName": followerName},
	})
	n := notify.NewFollow(followingID, followerID, followerName)
	return s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, true)
}

// UnfollowUser removes a follow edge and its cached mirror.
func (s SocialService) UnfollowUser(ctx domain.Context, followerID, followingID string) error {
	if followerID == "" || followingID == "" {
		return fmt.Errorf("%w: follower and following ids required", domain.ErrInvalidArgument)
	}
	if err := s.Follows.Delete(ctx, followerID, followingID); err != nil {
		return err
	}
	_ = s.Feeds.Unfollow(ctx, followerID, followingID)
	return nil
}

// FollowStats serves counts from set cardinality, falling back to the
// store when the sets are cold.
func (s SocialService) FollowStats(ctx domain.Context, userID string) (domain.FollowStats, error) {
	if userID == "" {
		return domain.FollowStats{}, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	stats, err := s.Feeds.Stats(ctx, userID)
	if err == nil && (stats.Followers > 0 || stats.Following > 0) {
		return stats, nil
	}
	followerIDs, ferr := s.Follows.FollowerIDs(ctx, userID)
	if ferr != nil {
		return domain.FollowStats{}, ferr
	}
	followingIDs, ferr := s.Follows.FollowingIDs(ctx, userID)
	if ferr != nil {
		return domain.FollowStats{}, ferr
	}
	s.Feeds.SeedFollowSets(ctx, userID, followerIDs, followingIDs)
	return domain.FollowStats{Followers: len(followerIDs), Following: len(followingIDs)}, nil
}

// GetPost loads a single post together with the viewer's like state.
// Deleted posts surface as ErrNotFound.
func (s SocialService) GetPost(ctx domain.Context, postID, viewerID string) (domain.Post, bool, error) {
	if postID == "" {
		return domain.Post{}, false, fmt.Errorf("%w: post id required", domain.ErrInvalidArgument)
	}
	post, err := s.getPost(ctx, postID)
	if err != nil {
		return domain.Post{}, false, err
	}
	if post.IsDeleted {
		return domain.Post{}, false, fmt.Errorf("%w: post %s", domain.ErrNotFound, postID)
	}
	hasLiked := false
	if viewerID != "" {
		hasLiked, _ = s.Likes.Exists(ctx, viewerID, domain.LikePost, postID)
	}
	return post, hasLiked, nil
}

// IsFollowing answers the follow-relationship probe from the store.
func (s SocialService) IsFollowing(ctx domain.Context, followerID, followingID string) (bool, error) {
	if followerID == "" || followingID == "" {
		return false, fmt.Errorf("%w: follower and following ids required", domain.ErrInvalidArgument)
	}
	return s.Follows.Exists(ctx, followerID, followingID)
}

// getPost loads a post from the store, falling back to the cached blob
// during the window before the persist job has run.
func (s SocialService) getPost(ctx domain.Context, id string) (domain.Post, error) {
	p, err := s.Posts.Get(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return domain.Post{}, err
	}
	var cached domain.Post
	if s.Cache.GetJSON(ctx, s.Cache.Keys().Post(id), &cached) && cached.ID == id {
		return cached, nil
	}
	return domain.Post{}, err
}

// followerSnapshot captures the fanout recipient list at enqueue time,
// seeding the cached sets from the store when they are cold.
func (s SocialService) followerSnapshot(ctx domain.Context, userID string) ([]string, error) {
	ids, err := s.Feeds.FollowerIDs(ctx, userID)
	if err == nil && len(ids) > 0 {
		return ids, nil
	}
	followerIDs, ferr := s.Follows.FollowerIDs(ctx, userID)
	if ferr != nil {
		return nil, ferr
	}
	followingIDs, ferr := s.Follows.FollowingIDs(ctx, userID)
	if ferr != nil {
		return nil, ferr
	}
	s.Feeds.SeedFollowSets(ctx, userID, followerIDs, followingIDs)
	return followerIDs, nil
}

// rebuildFeed repopulates a cold timeline from the store and serves
// the first page from the rows just loaded. The timeline is a
// projection with a short TTL; losing it costs one authors query.
func (s SocialService) rebuildFeed(ctx domain.Context, userID string, limit int) ([]domain.Post, bool, error) {
	followingIDs, err := s.Feeds.FollowingIDs(ctx, userID)
	if err != nil || len(followingIDs) == 0 {
		if followingIDs, err = s.Follows.FollowingIDs(ctx, userID); err != nil {
			return nil, false, err
		}
	}
	following := make(map[string]struct{}, len(followingIDs))
	for _, id := range followingIDs {
		following[id] = struct{}{}
	}
	authorIDs := append(followingIDs, userID)

	rows, err := s.Posts.ListByAuthors(ctx, authorIDs, rebuildFeedDepth)
	if err != nil {
		return nil, false, err
	}
	// Oldest first so the size bound keeps the newest entries.
	for i := len(rows) - 1; i >= 0; i-- {
		_ = s.Feeds.AddToTimeline(ctx, userID, feedEntryOf(rows[i]))
	}

	visible := make([]domain.Post, 0, limit)
	for _, p := range rows {
		if visibleInFeed(p, userID, following) {
			visible = append(visible, p)
		}
	}
	hasMore := len(visible) > limit
	if hasMore {
		visible = visible[:limit]
	}
	return visible, hasMore, nil
}

// hydrateEntries resolves timeline entries to post records, dropping
// entries whose posts are gone, hidden, or no longer visible to the
// viewer.
func (s SocialService) hydrateEntries(ctx domain.Context, viewerID string, entries []domain.FeedEntry) ([]domain.Post, error) {
	if len(entries) == 0 {
		return []domain.Post{}, nil
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.PostID
	}
	rows, err := s.Posts.ListByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]domain.Post, len(rows))
	for _, p := range rows {
		byID[p.ID] = p
	}

	following := s.followingSet(ctx, viewerID)
	out := make([]domain.Post, 0, len(entries))
	for _, e := range entries {
		p, ok := byID[e.PostID]
		if !ok {
			if !s.Cache.GetJSON(ctx, s.Cache.Keys().Post(e.PostID), &p) || p.ID != e.PostID {
				continue
			}
		}
		if visibleInFeed(p, viewerID, following) {
			out = append(out, p)
		}
	}
	return out, nil
}

// followingSet resolves who the viewer follows for visibility checks.
// An empty cached set is indistinguishable from a cold one, so empties
// re-check the store.
func (s SocialService) followingSet(ctx domain.Context, userID string) map[string]struct{} {
	ids, err := s.Feeds.FollowingIDs(ctx, userID)
	if err != nil || len(ids) == 0 {
		if pgIDs, perr := s.Follows.FollowingIDs(ctx, userID); perr == nil {
			ids = pgIDs
		}
	}
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func visibleInFeed(p domain.Post, viewerID string, following map[string]struct{}) bool {
	if p.IsDeleted {
		return false
	}
	if p.AuthorID == viewerID {
		return true
	}
	switch p.Visibility {
	case domain.VisibilityPublic:
		return true
	case domain.VisibilityFollowers:
		_, ok := following[p.AuthorID]
		return ok
	}
	return false
}

func feedEntryOf(p domain.Post) domain.FeedEntry {
	return domain.FeedEntry{
		PostID:      p.ID,
		AuthorID:    p.AuthorID,
		AuthorName:  p.AuthorName,
		Type:        p.Type,
		TimestampMS: p.CreatedAt.UnixMilli(),
	}
}

var hashtagRe = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

// extractHashtags merges tags found in the content with explicit ones,
// lowercased and deduplicated in first-seen order.
func extractHashtags(content string, explicit []string) []string {
	seen := make(map[string]struct{})
	var out []string
	add := func(tag string) {
		tag = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(tag), "#"))
		if tag == "" {
			return
		}
		if _, dup := seen[tag]; dup {
			return
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	for _, m := range hashtagRe.FindAllStringSubmatch(content, -1) {
		add(m[1])
	}
	for _, t := range explicit {
		add(t)
	}
	return out
}

func dedupeStrings(ss []string) []string {
	seen := make(map[string]struct{}, len(ss))
	var out []string
	for _, s := range ss {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

package domain

import (
	"fmt"
	"strings"
	"time"
)

// Content length caps enforced at validation time.
const (
	MaxPostContentLen    = 5000
	MaxCommentContentLen = 2000
)

// PostType enumerates the post flavors the feed renders.
type PostType string

const (
	PostText        PostType = "text"
	PostImage       PostType = "image"
	PostAchievement PostType = "achievement"
	PostQuizResult  PostType = "quiz-result"
	PostChallenge   PostType = "challenge"
)

// Visibility controls who may see a post.
type Visibility string

const (
	VisibilityPublic    Visibility = "public"
	VisibilityFollowers Visibility = "followers"
	VisibilityPrivate   Visibility = "private"
)

// Post is the social root aggregate. Author display fields are
// denormalized; readers tolerate drift after a rename. Counters are
// mutated only via atomic store increments, never read-modify-write.
type Post struct {
	ID            string     `json:"id"`
	AuthorID      string     `json:"authorId"`
	AuthorName    string     `json:"authorName"`
	AuthorAvatar  string     `json:"authorAvatar,omitempty"`
	Content       string     `json:"content"`
	Images        []string   `json:"images,omitempty"`
	Type          PostType   `json:"type"`
	RelatedQuiz   string     `json:"relatedQuiz,omitempty"`
	RelatedAchmt  string     `json:"relatedAchievement,omitempty"`
	Visibility    Visibility `json:"visibility"`
	Likes         int        `json:"likes"`
	CommentsCount int        `json:"comments"`
	Shares        int        `json:"shares"`
	Hashtags      []string   `json:"hashtags,omitempty"`
	Mentions      []string   `json:"mentions,omitempty"`
	IsDeleted     bool       `json:"isDeleted,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
}

// Validate checks the post invariants prior to fanout.
func (p Post) Validate() error {
	if p.AuthorID == "" {
		return fmt.Errorf("post author empty: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(p.Content) == "" && len(p.Images) == 0 {
		return fmt.Errorf("post needs content or images: %w", ErrInvalidArgument)
	}
	if len(p.Content) > MaxPostContentLen {
		return fmt.Errorf("post content exceeds %d chars: %w", MaxPostContentLen, ErrInvalidArgument)
	}
	switch p.Type {
	case PostText, PostImage, PostAchievement, PostQuizResult, PostChallenge:
	default:
		return fmt.Errorf("unknown post type %q: %w", p.Type, ErrInvalidArgument)
	}
	switch p.Visibility {
	case VisibilityPublic, VisibilityFollowers, VisibilityPrivate:
	default:
		return fmt.Errorf("unknown visibility %q: %w", p.Visibility, ErrInvalidArgument)
	}
	return nil
}

// TrendingScore is the engagement rank used by the trending index.
func (p Post) TrendingScore() float64 {
	return float64(p.Likes + 2*p.CommentsCount + 3*p.Shares)
}

// Comment threads one level deep: replies carry ParentCommentID but do
// not themselves have children counted for threading.
type Comment struct {
	ID              string    `json:"id"`
	PostID          string    `json:"postId"`
	AuthorID        string    `json:"authorId"`
	AuthorName      string    `json:"authorName"`
	Content         string    `json:"content"`
	ParentCommentID string    `json:"parentCommentId,omitempty"`
	Likes           int       `json:"likes"`
	IsDeleted       bool      `json:"isDeleted,omitempty"`
	CreatedAt       time.Time `json:"createdAt"`
}

// Validate checks comment invariants.
func (c Comment) Validate() error {
	if c.PostID == "" || c.AuthorID == "" {
		return fmt.Errorf("comment needs post and author: %w", ErrInvalidArgument)
	}
	if strings.TrimSpace(c.Content) == "" {
		return fmt.Errorf("comment content empty: %w", ErrInvalidArgument)
	}
	if len(c.Content) > MaxCommentContentLen {
		return fmt.Errorf("comment content exceeds %d chars: %w", MaxCommentContentLen, ErrInvalidArgument)
	}
	return nil
}

// LikeTarget discriminates what a like points at.
type LikeTarget string

const (
	LikePost    LikeTarget = "post"
	LikeComment LikeTarget = "comment"
)

// Like is unique per (user, targetType, targetId). Creation increments
// the target counter, deletion decrements; counters clamp at zero.
type Like struct {
	UserID     string     `json:"userId"`
	TargetType LikeTarget `json:"targetType"`
	TargetID   string     `json:"targetId"`
	CreatedAt  time.Time  `json:"createdAt"`
}

// Follow is unique per (follower, following); self-follows are rejected.
type Follow struct {
	FollowerID  string    `json:"followerId"`
	FollowingID string    `json:"followingId"`
	CreatedAt   time.Time `json:"createdAt"`
}

// FollowStats are served from set cardinality.
type FollowStats struct {
	Followers int `json:"followers"`
	Following int `json:"following"`
}

// NotificationType enumerates the standard notification events.
type NotificationType string

const (
	NotifLike            NotificationType = "like"
	NotifComment         NotificationType = "comment"
	NotifFollow          NotificationType = "follow"
	NotifMention         NotificationType = "mention"
	NotifAchievement     NotificationType = "achievement"
	NotifLevelUp         NotificationType = "level-up"
	NotifStreakMilestone NotificationType = "streak-milestone"
	NotifSystem          NotificationType = "system"
)

// NotifPriority orders delivery urgency.
type NotifPriority string

const (
	PriorityNormal NotifPriority = "normal"
	PriorityHigh   NotifPriority = "high"
)

// Notification is the per-recipient record. The cache keeps the 100
// most recent plus an unread counter; full history lives in the store.
type Notification struct {
	ID            string           `json:"id"`
	RecipientID   string           `json:"recipientId"`
	Type          NotificationType `json:"type"`
	ActorID       string           `json:"actorId,omitempty"`
	ActorName     string           `json:"actorName,omitempty"`
	Message       string           `json:"message"`
	PostID        string           `json:"postId,omitempty"`
	CommentID     string           `json:"commentId,omitempty"`
	AchievementID string           `json:"achievementId,omitempty"`
	ActionURL     string           `json:"actionUrl,omitempty"`
	IsRead        bool             `json:"isRead"`
	Priority      NotifPriority    `json:"priority"`
	CreatedAt     time.Time        `json:"createdAt"`
}

// FeedEntry is the denormalized timeline record referencing a post by
// id. Score in the sorted set is TimestampMS.
type FeedEntry struct {
	PostID      string   `json:"postId"`
	AuthorID    string   `json:"authorId"`
	AuthorName  string   `json:"authorName"`
	Type        PostType `json:"type"`
	TimestampMS int64    `json:"timestamp"`
}

// Fanout and notification task payloads.

type FanoutTaskPayload struct {
	Post        Post     `json:"post"`
	FollowerIDs []string `json:"follower_ids"`
}

type NotifyTaskPayload struct {
	Notifications []Notification `json:"notifications"`
}

type PersistPostTaskPayload struct {
	Post Post `json:"post"`
}

//go:generate mockery --name=PostRepository --with-expecter --filename=post_repository_mock.go
//go:generate mockery --name=NotificationRepository --with-expecter --filename=notification_repository_mock.go

// Social repositories (ports)

// CounterField names an atomically mutable post counter.
type CounterField string

const (
	CounterLikes    CounterField = "likes"
	CounterComments CounterField = "comments"
	CounterShares   CounterField = "shares"
)

type PostRepository interface {
	Create(ctx Context, p Post) error
	Get(ctx Context, id string) (Post, error)
	ListByIDs(ctx Context, ids []string) ([]Post, error)
	ListByAuthors(ctx Context, authorIDs []string, limit int) ([]Post, error)
	// IncCounter atomically adjusts one counter and returns the new
	// value. Negative deltas clamp at zero.
	IncCounter(ctx Context, id string, field CounterField, delta int) (int, error)
	SoftDelete(ctx Context, id string) error
}

type CommentRepository interface {
	Create(ctx Context, c Comment) error
	Get(ctx Context, id string) (Comment, error)
	ListByPost(ctx Context, postID string, page, limit int) ([]Comment, int, error)
	IncLikes(ctx Context, id string, delta int) (int, error)
	SoftDelete(ctx Context, id string) error
}

type LikeRepository interface {
	// Create returns ErrConflict when the (user, target) pair exists.
	Create(ctx Context, l Like) error
	// Delete returns ErrNotFound when no such like exists.
	Delete(ctx Context, userID string, target LikeTarget, targetID string) error
	Exists(ctx Context, userID string, target LikeTarget, targetID string) (bool, error)
}

type FollowRepository interface {
	// Create returns ErrConflict on duplicate and ErrInvalidArgument on
	// self-follow.
	Create(ctx Context, f Follow) error
	Delete(ctx Context, followerID, followingID string) error
	Exists(ctx Context, followerID, followingID string) (bool, error)
	FollowerIDs(ctx Context, userID string) ([]string, error)
	FollowingIDs(ctx Context, userID string) ([]string, error)
}

type NotificationRepository interface {
	CreateBatch(ctx Context, ns []Notification) error
	ListByRecipient(ctx Context, recipientID string, limit int) ([]Notification, error)
	// MarkRead returns true when this call performed the first
	// false→true transition for the notification.
	MarkRead(ctx Context, id, recipientID string) (bool, error)
	MarkAllRead(ctx Context, recipientID string) error
}

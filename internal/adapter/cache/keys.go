package cache

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode"

	"github.com/quizdom-app/backend/internal/domain"
)

// TTLs per key family.
const (
	TTLTopicQuiz     = 24 * time.Hour
	TTLFileQuiz      = 7 * 24 * time.Hour
	TTLAdaptive      = 5 * time.Minute
	TTLQuota         = 24 * time.Hour
	TTLFeed          = 5 * time.Minute
	TTLTrending      = 24 * time.Hour
	TTLPost          = 5 * time.Minute
	TTLNotifications = 10 * time.Minute
	TTLUnread        = 10 * time.Minute
	TTLJobProgress   = 24 * time.Hour
)

// Keys builds the uniform key namespace. Every key this deployment
// writes is prefixed with the service tag so multiple environments can
// share one Redis.
type Keys struct {
	Prefix string
}

func (k Keys) join(parts ...string) string {
	if k.Prefix == "" {
		return strings.Join(parts, ":")
	}
	return k.Prefix + ":" + strings.Join(parts, ":")
}

// TopicQuiz addresses a generated quiz by its request shape.
func (k Keys) TopicQuiz(slug string, n int, d domain.Difficulty, adaptive bool) string {
	key := k.join("quiz", "topic", slug, fmt.Sprint(n), string(d))
	if adaptive {
		key += ":adaptive"
	}
	return key
}

// FileQuiz addresses a generated quiz by content hash of the source text.
func (k Keys) FileQuiz(contentHash string, n int, d domain.Difficulty) string {
	return k.join("quiz", "file", contentHash, fmt.Sprint(n), string(d))
}

func (k Keys) Adaptive(userID string) string { return k.join("adaptive", userID) }

// Quota keys are day-scoped; day is YYYY-MM-DD in UTC.
func (k Keys) Quota(userID, day string) string { return k.join("limit", userID, day) }

func (k Keys) Feed(userID string) string      { return k.join("social", "feed", userID) }
func (k Keys) Followers(userID string) string { return k.join("social", "followers", userID) }
func (k Keys) Following(userID string) string { return k.join("social", "following", userID) }
func (k Keys) Trending() string               { return k.join("social", "trending") }
func (k Keys) Post(postID string) string      { return k.join("social", "post", postID) }

func (k Keys) Notifications(userID string) string {
	return k.join("social", "notifications", userID)
}

func (k Keys) UnreadCount(userID string) string {
	return k.join("social", "unread-count", userID)
}

func (k Keys) Notification(id string) string { return k.join("notification", id) }

func (k Keys) JobProgress(jobID string) string { return k.join("job", "progress", jobID) }

// Pub/sub channel names. Channels share the key prefix so co-tenant
// deployments do not cross-deliver.

func (k Keys) FeedChannel(userID string) string {
	return k.join("social", "feed-updates", userID)
}

func (k Keys) PostChannel(postID string) string {
	return k.join("social", "post-updates", postID)
}

// Family extracts the first logical segment after the prefix, used as
// the metrics label for hit/miss counters.
func (k Keys) Family(key string) string {
	if k.Prefix != "" {
		key = strings.TrimPrefix(key, k.Prefix+":")
	}
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

// DayKey formats t as the quota window day in UTC.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Slug normalizes a topic for key addressing: lowercased, runs of
// non-alphanumerics collapsed to single dashes. Topics with no usable
// characters fall back to a hash so distinct topics never share the
// empty slug.
func Slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			dash = false
		default:
			if !dash && b.Len() > 0 {
				b.WriteByte('-')
				dash = true
			}
		}
	}
	out := strings.TrimSuffix(b.String(), "-")
	if out == "" {
		sum := md5.Sum([]byte(s))
		return hex.EncodeToString(sum[:6])
	}
	return out
}

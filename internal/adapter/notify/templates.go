package notify

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/quizdom-app/backend/internal/domain"
)

// Each standard event maps to a fixed message and action target. IDs
// are minted here so cache and store writes share them.

func base(recipientID string, typ domain.NotificationType, priority domain.NotifPriority) domain.Notification {
	return domain.Notification{
		ID:          uuid.NewString(),
		RecipientID: recipientID,
		Type:        typ,
		Priority:    priority,
		CreatedAt:   time.Now().UTC(),
	}
}

// NewLike notifies a post author about a like.
func NewLike(recipientID, actorID, actorName, postID string) domain.Notification {
	n := base(recipientID, domain.NotifLike, domain.PriorityNormal)
	n.ActorID = actorID
	n.ActorName = actorName
	n.PostID = postID
	n.Message = fmt.Sprintf("%s liked your post", actorName)
	n.ActionURL = "/posts/" + postID
	return n
}

// NewComment notifies a post author about a comment.
func NewComment(recipientID, actorID, actorName, postID, commentID string) domain.Notification {
	n := base(recipientID, domain.NotifComment, domain.PriorityHigh)
	n.ActorID = actorID
	n.ActorName = actorName
	n.PostID = postID
	n.CommentID = commentID
	n.Message = fmt.Sprintf("%s commented on your post", actorName)
	n.ActionURL = fmt.Sprintf("/posts/%s#comment-%s", postID, commentID)
	return n
}

// NewFollow notifies a user about a new follower.
func NewFollow(recipientID, actorID, actorName string) domain.Notification {
	n := base(recipientID, domain.NotifFollow, domain.PriorityHigh)
	n.ActorID = actorID
	n.ActorName = actorName
	n.Message = fmt.Sprintf("%s started following you", actorName)
	n.ActionURL = "/profile/" + actorID
	return n
}

// NewMention notifies a user mentioned in a post body.
func NewMention(recipientID, actorID, actorName, postID string) domain.Notification {
	n := base(recipientID, domain.NotifMention, domain.PriorityHigh)
	n.ActorID = actorID
	n.ActorName = actorName
	n.PostID = postID
	n.Message = fmt.Sprintf("%s mentioned you in a post", actorName)
	n.ActionURL = "/posts/" + postID
	return n
}

// NewAchievement notifies a user about an unlocked achievement.
func NewAchievement(recipientID, achievementID, title string) domain.Notification {
	n := base(recipientID, domain.NotifAchievement, domain.PriorityHigh)
	n.AchievementID = achievementID
	n.Message = title
	n.ActionURL = "/achievements/" + achievementID
	return n
}

// NewLevelUp is created from an inbound service event.
func NewLevelUp(recipientID string, level int) domain.Notification {
	n := base(recipientID, domain.NotifLevelUp, domain.PriorityNormal)
	n.Message = fmt.Sprintf("Leveled up to Level %d", level)
	return n
}

// NewStreakMilestone is created from an inbound service event.
func NewStreakMilestone(recipientID string, days int) domain.Notification {
	n := base(recipientID, domain.NotifStreakMilestone, domain.PriorityNormal)
	n.Message = fmt.Sprintf("%d day streak! Keep it up", days)
	return n
}

// NewSystem carries a free-form operator message.
func NewSystem(recipientID, message string) domain.Notification {
	n := base(recipientID, domain.NotifSystem, domain.PriorityNormal)
	n.Message = message
	return n
}

package usecase

import (
	"fmt"

	"github.com/quizdom-app/backend/internal/adapter/notify"
	"github.com/quizdom-app/backend/internal/domain"
)

// NotificationService serves the notification inbox and ingests
// service-to-service events. Reads prefer the cached recent window;
// the store answers when the window has aged out.
type NotificationService struct {
	Repo  domain.NotificationRepository
	Plane *notify.Plane
	Queue domain.Queue
}

// NewNotificationService constructs a NotificationService.
func NewNotificationService(r domain.NotificationRepository, p *notify.Plane, q domain.Queue) NotificationService {
	return NotificationService{Repo: r, Plane: p, Queue: q}
}

// List returns the user's newest notifications and the unread count.
func (s NotificationService) List(ctx domain.Context, userID string, limit int) ([]domain.Notification, int, error) {
	if userID == "" {
		return nil, 0, fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	items, err := s.Plane.Recent(ctx, userID, limit)
	if err != nil {
		return nil, 0, err
	}
	if len(items) == 0 {
		if items, err = s.Repo.ListByRecipient(ctx, userID, limit); err != nil {
			return nil, 0, err
		}
	}
	unread, err := s.Plane.UnreadCount(ctx, userID)
	if err != nil {
		unread = 0
	}
	if items == nil {
		items = []domain.Notification{}
	}
	return items, unread, nil
}

// MarkRead flips one notification to read. Idempotent: only the first
// transition lowers the unread counter. The new count is pushed to the
// user's channel and returned.
func (s NotificationService) MarkRead(ctx domain.Context, userID, notifID string) (int, error) {
	if userID == "" || notifID == "" {
		return 0, fmt.Errorf("%w: user and notification ids required", domain.ErrInvalidArgument)
	}
	first, err := s.Repo.MarkRead(ctx, notifID, userID)
	if err != nil {
		return 0, err
	}
	_, cachedWasUnread, cerr := s.Plane.MarkReadCached(ctx, userID, notifID)
	if first && !cachedWasUnread && cerr == nil {
		// The cached copy had already aged out or drifted; the counter
		// still owes the store's transition.
		_, _ = s.Plane.DecrUnread(ctx, userID, 1)
	}
	count, cerr := s.Plane.UnreadCount(ctx, userID)
	if cerr != nil {
		return 0, nil
	}
	s.Plane.PublishUnread(ctx, userID, count)
	return count, nil
}

// MarkAllRead flips every unread notification and zeroes the counter.
// Cached per-item flags reconcile lazily through the list TTL.
func (s NotificationService) MarkAllRead(ctx domain.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user id required", domain.ErrInvalidArgument)
	}
	if err := s.Repo.MarkAllRead(ctx, userID); err != nil {
		return err
	}
	if err := s.Plane.ResetUnread(ctx, userID); err != nil {
		return err
	}
	s.Plane.PublishUnread(ctx, userID, 0)
	return nil
}

// AchievementUnlocked ingests an achievement event from the gamification
// service and queues the high-priority notification.
func (s NotificationService) AchievementUnlocked(ctx domain.Context, userID, achievementID, title string) error {
	if userID == "" || achievementID == "" || title == "" {
		return fmt.Errorf("%w: userId, achievementId and title required", domain.ErrInvalidArgument)
	}
	n := notify.NewAchievement(userID, achievementID, title)
	return s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, true)
}

// LevelUp ingests a level-up event.
func (s NotificationService) LevelUp(ctx domain.Context, userID string, level int) error {
	if userID == "" || level < 1 {
		return fmt.Errorf("%w: userId and positive level required", domain.ErrInvalidArgument)
	}
	n := notify.NewLevelUp(userID, level)
	return s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, false)
}

// StreakMilestone ingests a streak event.
func (s NotificationService) StreakMilestone(ctx domain.Context, userID string, days int) error {
	if userID == "" || days < 1 {
		return fmt.Errorf("%w: userId and positive days required", domain.ErrInvalidArgument)
	}
	n := notify.NewStreakMilestone(userID, days)
	return s.Queue.EnqueueNotify(ctx, domain.NotifyTaskPayload{Notifications: []domain.Notification{n}}, false)
}

package postgres

import (
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/quizdom-app/backend/internal/domain"
)

// NotificationRepo keeps the full notification history; the cache only
// holds each user's most recent window.
type NotificationRepo struct{ Pool PgxPool }

// NewNotificationRepo constructs a NotificationRepo with the given pool.
func NewNotificationRepo(p PgxPool) *NotificationRepo { return &NotificationRepo{Pool: p} }

const notificationColumns = `id, recipient_id, type, actor_id, actor_name, message,
	post_id, comment_id, achievement_id, action_url, is_read, priority, created_at`

// CreateBatch inserts notifications in one statement. Batches arrive
// from the notify worker capped at its batch size.
func (r *NotificationRepo) CreateBatch(ctx domain.Context, ns []domain.Notification) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.CreateBatch")
	defer span.End()

	if len(ns) == 0 {
		return nil
	}
	var (
		rows strings.Builder
		args []any
	)
	for i, n := range ns {
		if i > 0 {
			rows.WriteByte(',')
		}
		base := i * 13
		fmt.Fprintf(&rows, "($%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d,$%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10, base+11, base+12, base+13)
		args = append(args,
			n.ID, n.RecipientID, n.Type, nullable(n.ActorID), nullable(n.ActorName), n.Message,
			nullable(n.PostID), nullable(n.CommentID), nullable(n.AchievementID), nullable(n.ActionURL),
			n.IsRead, n.Priority, n.CreatedAt.UTC())
	}
	q := `INSERT INTO notifications (` + notificationColumns + `) VALUES ` + rows.String() + ` ON CONFLICT (id) DO NOTHING`
	if _, err := r.Pool.Exec(ctx, q, args...); err != nil {
		return fmt.Errorf("op=notification.create_batch: %w", err)
	}
	return nil
}

// ListByRecipient returns the newest notifications for a user.
func (r *NotificationRepo) ListByRecipient(ctx domain.Context, recipientID string, limit int) ([]domain.Notification, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.ListByRecipient")
	defer span.End()

	if limit < 1 || limit > 100 {
		limit = 50
	}
	q := `SELECT ` + notificationColumns + ` FROM notifications
		WHERE recipient_id=$1 ORDER BY created_at DESC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, recipientID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=notification.list: %w", err)
	}
	defer rows.Close()

	var out []domain.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("op=notification.list.scan: %w", err)
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=notification.list: %w", err)
	}
	return out, nil
}

// MarkRead flips a notification to read and reports whether this call
// performed the first false->true transition. Only the first
// transition may decrement the unread counter.
func (r *NotificationRepo) MarkRead(ctx domain.Context, id, recipientID string) (bool, error) {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.MarkRead")
	defer span.End()

	tag, err := r.Pool.Exec(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE id=$1 AND recipient_id=$2 AND is_read=FALSE`, id, recipientID)
	if err != nil {
		return false, fmt.Errorf("op=notification.mark_read: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}

	var exists bool
	err = r.Pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM notifications WHERE id=$1 AND recipient_id=$2)`, id, recipientID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("op=notification.mark_read: %w", err)
	}
	if !exists {
		return false, fmt.Errorf("op=notification.mark_read: %w", domain.ErrNotFound)
	}
	return false, nil
}

// MarkAllRead flips every unread notification for the recipient.
func (r *NotificationRepo) MarkAllRead(ctx domain.Context, recipientID string) error {
	tracer := otel.Tracer("repo.notifications")
	ctx, span := tracer.Start(ctx, "notifications.MarkAllRead")
	defer span.End()

	if _, err := r.Pool.Exec(ctx,
		`UPDATE notifications SET is_read=TRUE WHERE recipient_id=$1 AND is_read=FALSE`, recipientID); err != nil {
		return fmt.Errorf("op=notification.mark_all_read: %w", err)
	}
	return nil
}

func scanNotification(row pgx.Row) (domain.Notification, error) {
	var (
		n                                     domain.Notification
		actorID, actorName, postID, commentID *string
		achievementID, actionURL              *string
	)
	err := row.Scan(&n.ID, &n.RecipientID, &n.Type, &actorID, &actorName, &n.Message,
		&postID, &commentID, &achievementID, &actionURL, &n.IsRead, &n.Priority, &n.CreatedAt)
	if err != nil {
		return domain.Notification{}, err
	}
	n.ActorID = deref(actorID)
	n.ActorName = deref(actorName)
	n.PostID = deref(postID)
	n.CommentID = deref(commentID)
	n.AchievementID = deref(achievementID)
	n.ActionURL = deref(actionURL)
	return n, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

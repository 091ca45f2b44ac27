package httpserver

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NotificationsListHandler serves the caller's recent notifications
// and the unread counter in one response.
func (s *Server) NotificationsListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		limit := queryInt(r, "limit", 50, 1, 100)
		notifications, unread, err := s.Notifs.List(r.Context(), claims.UserID, limit)
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{
			"notifications": notifications,
			"unreadCount":   unread,
		})
	}
}

// NotificationReadHandler marks one notification read and returns the
// updated unread counter.
func (s *Server) NotificationReadHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		unread, err := s.Notifs.MarkRead(r.Context(), claims.UserID, chi.URLParam(r, "notificationID"))
		if err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"unreadCount": unread})
	}
}

// NotificationsReadAllHandler clears the caller's unread state.
func (s *Server) NotificationsReadAllHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		claims, ok := requireClaims(w, r)
		if !ok {
			return
		}
		if err := s.Notifs.MarkAllRead(r.Context(), claims.UserID); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeData(w, http.StatusOK, map[string]any{"unreadCount": 0})
	}
}

type achievementEvent struct {
	UserID        string `json:"userId" validate:"required"`
	AchievementID string `json:"achievementId" validate:"required"`
	Title         string `json:"title" validate:"required,max=200"`
}

// AchievementEventHandler ingests achievement-unlocked events from the
// gamification service and turns them into notifications.
func (s *Server) AchievementEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt achievementEvent
		if !decodeBody(w, r, &evt) {
			return
		}
		if err := s.Notifs.AchievementUnlocked(r.Context(), evt.UserID, evt.AchievementID, evt.Title); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusAccepted, "notification queued")
	}
}

type levelUpEvent struct {
	UserID string `json:"userId" validate:"required"`
	Level  int    `json:"level" validate:"required,gte=1"`
}

// LevelUpEventHandler ingests level-up events.
func (s *Server) LevelUpEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt levelUpEvent
		if !decodeBody(w, r, &evt) {
			return
		}
		if err := s.Notifs.LevelUp(r.Context(), evt.UserID, evt.Level); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusAccepted, "notification queued")
	}
}

type streakEvent struct {
	UserID string `json:"userId" validate:"required"`
	Days   int    `json:"days" validate:"required,gte=1"`
}

// StreakEventHandler ingests streak-milestone events.
func (s *Server) StreakEventHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var evt streakEvent
		if !decodeBody(w, r, &evt) {
			return
		}
		if err := s.Notifs.StreakMilestone(r.Context(), evt.UserID, evt.Days); err != nil {
			writeDomainError(r.Context(), w, err)
			return
		}
		writeMessage(w, http.StatusAccepted, "notification queued")
	}
}

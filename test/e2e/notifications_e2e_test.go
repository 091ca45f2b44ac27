//go:build e2e

package e2e_test

import (
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/quizdom-app/backend/internal/domain"
)

type notifPage struct {
	Notifications []domain.Notification `json:"notifications"`
	UnreadCount   int                   `json:"unreadCount"`
}

func fetchNotifications(t *testing.T, token string) notifPage {
	t.Helper()
	status, env := doJSON(t, http.MethodGet, socialBase+"/api/notifications/", token, nil)
	require.Equal(t, http.StatusOK, status)
	var page notifPage
	dataInto(t, env, &page)
	return page
}

// Gameplay events enter through the ingress, become stored
// notifications via the worker, and drain through the read markers.
func TestE2E_Notifications_EventLifecycle(t *testing.T) {
	userID := "e2e-notif-user"
	userTok := signToken(t, userID, domain.RoleStudent)
	svcTok := signToken(t, "e2e-gameplay-svc", domain.RoleAdmin)

	for _, ev := range []struct {
		path string
		body map[string]any
	}{
		{"/api/events/achievement-unlocked", map[string]any{"userId": userID, "achievementId": "first-quiz", "title": "First Quiz Completed"}},
		{"/api/events/level-up", map[string]any{"userId": userID, "level": 5}},
		{"/api/events/streak-milestone", map[string]any{"userId": userID, "days": 7}},
	} {
		status, env := doJSON(t, http.MethodPost, socialBase+ev.path, svcTok, ev.body)
		require.Equal(t, http.StatusAccepted, status, "%s rejected: %+v", ev.path, env)
		require.Equal(t, "notification queued", env.Message)
	}

	require.Eventually(t, func() bool {
		status, env, err := tryJSON(http.MethodGet, socialBase+"/api/notifications/", userTok, nil)
		if err != nil || status != http.StatusOK {
			return false
		}
		var page notifPage
		if json.Unmarshal(env.Data, &page) != nil {
			return false
		}
		return page.UnreadCount == 3 && len(page.Notifications) == 3
	}, fanoutTimeout, pollEvery, "events never became notifications")

	page := fetchNotifications(t, userTok)
	require.Equal(t, 3, page.UnreadCount)
	seen := map[domain.NotificationType]bool{}
	for _, n := range page.Notifications {
		require.Equal(t, userID, n.RecipientID)
		require.False(t, n.IsRead)
		seen[n.Type] = true
	}
	require.True(t, seen[domain.NotifAchievement], "missing achievement notification")
	require.True(t, seen[domain.NotifLevelUp], "missing level-up notification")
	require.True(t, seen[domain.NotifStreakMilestone], "missing streak notification")

	// Single read marker decrements once and is idempotent.
	target := page.Notifications[0].ID
	status, env := doJSON(t, http.MethodPut, socialBase+"/api/notifications/"+target+"/read", userTok, nil)
	require.Equal(t, http.StatusOK, status)
	var after struct {
		UnreadCount int `json:"unreadCount"`
	}
	dataInto(t, env, &after)
	require.Equal(t, 2, after.UnreadCount)

	status, env = doJSON(t, http.MethodPut, socialBase+"/api/notifications/"+target+"/read", userTok, nil)
	require.Equal(t, http.StatusOK, status)
	dataInto(t, env, &after)
	require.Equal(t, 2, after.UnreadCount)

	// Strangers cannot touch another user's notifications.
	strangerTok := signToken(t, "e2e-notif-stranger", domain.RoleStudent)
	status, _ = doJSON(t, http.MethodPut, socialBase+"/api/notifications/"+target+"/read", strangerTok, nil)
	require.Equal(t, http.StatusNotFound, status)

	status, env = doJSON(t, http.MethodPut, socialBase+"/api/notifications/read-all", userTok, nil)
	require.Equal(t, http.StatusOK, status)
	dataInto(t, env, &after)
	require.Equal(t, 0, after.UnreadCount)

	page = fetchNotifications(t, userTok)
	require.Equal(t, 0, page.UnreadCount)
	for _, n := range page.Notifications {
		require.True(t, n.IsRead)
	}
}

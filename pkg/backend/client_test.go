package backend

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

func newTestClient(t *testing.T, handler http.Handler, assistant string) Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(config.BackendConfig{BaseURL: srv.URL}, assistant)
}

func TestCreateSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat-history/sessions/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Новый чат", body["title"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id": 42, "title": "Новый чат"}`))
	}), "")

	id, err := client.CreateSession(context.Background(), "tok", "Новый чат")
	require.NoError(t, err)
	assert.Equal(t, "42", id)
}

// 非 JSON 响应（HTML 错误页等）折叠为 ErrRemoteUnavailable。
func TestNonJSONResponseIsRemoteUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html>gateway error</html>"))
	}), "")

	_, err := client.CreateSession(context.Background(), "tok", "t")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
}

// 非 2xx 状态折叠为 ErrRemoteUnavailable。
func TestServerErrorIsRemoteUnavailable(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}), "")

	_, err := client.ListSessions(context.Background(), "tok")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))

	err = client.DeleteSession(context.Background(), "tok", "1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
}

// 会话列表兼容 {results:[...]} 信封与裸数组两种格式。
func TestListSessionsEnvelopes(t *testing.T) {
	envelope := `{"results": [{"id": 1, "title": "Чат о давлении", "created_at": "2026-08-29T10:00:00Z", "messages_count": 4}]}`
	bare := `[{"id": "2", "last_message": "хвост"}]`

	for name, body := range map[string]string{"envelope": envelope, "bare": bare} {
		t.Run(name, func(t *testing.T) {
			client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.Write([]byte(body))
			}), "")

			sessions, err := client.ListSessions(context.Background(), "tok")
			require.NoError(t, err)
			require.Len(t, sessions, 1)
			assert.False(t, sessions[0].ID.IsLocal())
		})
	}
}

func TestListSessionsFieldMapping(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id": 5, "created_at": "2026-08-28T15:30:00Z"}]`))
	}), "")

	sessions, err := client.ListSessions(context.Background(), "tok")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	// 空标题回退为 "Чат <id>"，日期取 created_at 的日期部分
	assert.Equal(t, "Чат 5", sessions[0].Title)
	assert.Equal(t, "2026-08-28", sessions[0].Date)
}

func TestSendMessagePayload(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/gpt/chats/9/send_message/", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "Болит голова", body["content"])
		assert.Equal(t, "gpt-4", body["model"])
		msgs, ok := body["messages"].([]interface{})
		require.True(t, ok)
		assert.Len(t, msgs, 2)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"reply": "Опишите боль", "tokens_used": 12, "model_used": "gpt-4"}`))
	}), "")

	history := []model.ChatMessage{
		{Role: model.RoleUser, Content: "a"},
		{Role: model.RoleAssistant, Content: "b"},
	}
	comp, err := client.SendMessage(context.Background(), "tok", "9", "Болит голова", "gpt-4", history)
	require.NoError(t, err)
	assert.Equal(t, "Опишите боль", comp.Reply)
	assert.Equal(t, 12, comp.TokensUsed)
	assert.Equal(t, "gpt-4", comp.ModelUsed)
}

// 放射科助手走带 _radiolog 后缀的专用补全接口。
func TestRadiologCompletionPath(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat/gpt/chats/9/send_message_radiolog/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"content": "снимок в норме"}`))
	}), AssistantRadiolog)

	comp, err := client.SendMessage(context.Background(), "tok", "9", "что на снимке?", "", nil)
	require.NoError(t, err)
	// reply 缺失时回退到 content 字段
	assert.Equal(t, "снимок в норме", comp.Reply)
}

func TestAppendMessageBody(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat-history/sessions/7/messages/", r.URL.Path)

		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "assistant", body["role"])
		assert.Equal(t, true, body["is_fallback"])
		assert.Equal(t, float64(3), body["tokens_used"])

		w.WriteHeader(http.StatusCreated)
	}), "")

	err := client.AppendMessage(context.Background(), "tok", "7", model.ChatMessage{
		Role:       model.RoleAssistant,
		Content:    "x",
		IsFallback: true,
		TokensUsed: 3,
	})
	require.NoError(t, err)
}

func TestExportSession(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat-history/sessions/7/export/", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "md", body["format"])

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": true, "data": "# Чат"}`))
	}), "")

	data, err := client.ExportSession(context.Background(), "tok", "7", "md")
	require.NoError(t, err)
	assert.Equal(t, "# Чат", data)
}

func TestExportSessionRejected(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success": false}`))
	}), "")

	_, err := client.ExportSession(context.Background(), "tok", "7", "md")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRemoteUnavailable))
}

func TestSearchSessionsQueryEscaped(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat-history/search/", r.URL.Path)
		assert.Equal(t, "МРТ головы", r.URL.Query().Get("q"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}), "")

	sessions, err := client.SearchSessions(context.Background(), "tok", "МРТ головы")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestStatistics(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/chat-history/statistics/", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"total_sessions": 3, "total_messages": 12, "avg_messages_per_session": 4}`))
	}), "")

	stats, err := client.Statistics(context.Background(), "tok")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.TotalSessions)
	assert.Equal(t, 12, stats.TotalMessages)
	assert.InDelta(t, 4.0, stats.AvgMessagesPerSession, 0.001)
}

package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// fakeSync 是 SyncService 的测试替身。sendHook 在 SendMessage 执行中被调用，
// 用来模拟请求在途时的并发用户操作（切换会话等）。
type fakeSync struct {
	sendResult *SendResult
	sendErr    error
	sendHook   func()
	loadByID   map[string]*LoadResult
	sessions   []model.ChatSession
	status     model.ConnectionStatus
	deleteStat model.ConnectionStatus
	searchRes  []model.ChatSession
}

func (f *fakeSync) SendMessage(ctx context.Context, tok string, req SendRequest) (*SendResult, error) {
	if f.sendHook != nil {
		f.sendHook()
	}
	return f.sendResult, f.sendErr
}

func (f *fakeSync) LoadSession(ctx context.Context, tok string, id model.SessionID) (*LoadResult, error) {
	if r, ok := f.loadByID[id.String()]; ok {
		return r, nil
	}
	return &LoadResult{Messages: f.Welcome()}, nil
}

func (f *fakeSync) DeleteSession(ctx context.Context, tok string, id model.SessionID) (model.ConnectionStatus, error) {
	return f.deleteStat, nil
}

func (f *fakeSync) Sessions(ctx context.Context, tok string) ([]model.ChatSession, model.ConnectionStatus, error) {
	return f.sessions, f.status, nil
}

func (f *fakeSync) Search(ctx context.Context, tok, query string) ([]model.ChatSession, error) {
	return f.searchRes, nil
}

func (f *fakeSync) Statistics(ctx context.Context, tok string) (*model.ChatStats, error) {
	return &model.ChatStats{}, nil
}

func (f *fakeSync) Welcome() []model.ChatMessage {
	return []model.ChatMessage{{Role: model.RoleAssistant, Content: "добро пожаловать"}}
}

var _ SyncService = (*fakeSync)(nil)

// 发送流程：用户消息被乐观追加并立即推送，助手回复在结果返回后追加。
func TestViewStateSendOptimisticAppend(t *testing.T) {
	id := model.NewRemoteID("1")
	fake := &fakeSync{
		sendResult: &SendResult{
			SessionID: id,
			Assistant: model.ChatMessage{Role: model.RoleAssistant, Content: "ответ"},
			Session:   model.ChatSession{ID: id, Title: "вопрос"},
			Status:    model.StatusConnected,
		},
	}
	view := NewViewState(fake)

	var pushes [][]model.ChatMessage
	view.OnConversationChange = func(c []model.ChatMessage) {
		pushes = append(pushes, c)
	}

	require.NoError(t, view.Send(context.Background(), "tok", "вопрос", "", nil, nil, ""))

	// 第一次推送：欢迎消息 + 乐观追加的用户消息；第二次：加上助手回复
	require.Len(t, pushes, 2)
	require.Len(t, pushes[0], 2)
	assert.Equal(t, model.RoleUser, pushes[0][1].Role)
	assert.Equal(t, "вопрос", pushes[0][1].Content)
	require.Len(t, pushes[1], 3)
	assert.Equal(t, "ответ", pushes[1][2].Content)

	assert.Equal(t, id.String(), view.ActiveSession().String())
	require.Len(t, view.Sessions(), 1)
}

// 迟到的响应守卫：发送在途时用户切换了会话，结果被静默丢弃。
func TestViewStateDiscardsStaleSendResult(t *testing.T) {
	active := model.NewRemoteID("7")
	other := model.NewRemoteID("8")
	otherMessages := []model.ChatMessage{{Role: model.RoleUser, Content: "другая сессия"}}

	fake := &fakeSync{
		sendResult: &SendResult{
			SessionID: active,
			Assistant: model.ChatMessage{Role: model.RoleAssistant, Content: "опоздавший ответ"},
			Status:    model.StatusConnected,
		},
		loadByID: map[string]*LoadResult{
			"7": {Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "старое"}}},
			"8": {Messages: otherMessages},
		},
	}
	view := NewViewState(fake)
	require.NoError(t, view.Switch(context.Background(), "tok", active))

	fake.sendHook = func() {
		// 请求在途：用户切到另一个会话
		require.NoError(t, view.Switch(context.Background(), "tok", other))
	}
	require.NoError(t, view.Send(context.Background(), "tok", "вопрос", "", nil, nil, ""))

	assert.Equal(t, other.String(), view.ActiveSession().String())
	conversation := view.Conversation()
	assert.Equal(t, otherMessages, conversation)
	for _, m := range conversation {
		assert.NotEqual(t, "опоздавший ответ", m.Content)
	}
}

// 删除活动会话后重置为新会话状态：欢迎消息，无活动 ID。
func TestViewStateDeleteActiveSessionResets(t *testing.T) {
	id := model.NewRemoteID("3")
	fake := &fakeSync{
		loadByID: map[string]*LoadResult{
			"3": {Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "x"}}},
		},
	}
	view := NewViewState(fake)
	require.NoError(t, view.RefreshSessions(context.Background(), "tok"))
	require.NoError(t, view.Switch(context.Background(), "tok", id))

	require.NoError(t, view.Delete(context.Background(), "tok", id))

	assert.True(t, view.ActiveSession().IsZero())
	conversation := view.Conversation()
	require.Len(t, conversation, 1)
	assert.Equal(t, "добро пожаловать", conversation[0].Content)
	assert.Empty(t, view.Sessions())
}

// 删除非活动会话只影响列表，当前会话内容不变。
func TestViewStateDeleteOtherSessionKeepsConversation(t *testing.T) {
	active := model.NewRemoteID("4")
	fake := &fakeSync{
		sessions: []model.ChatSession{
			{ID: active, Title: "активная"},
			{ID: model.NewRemoteID("5"), Title: "другая"},
		},
		status: model.StatusConnected,
		loadByID: map[string]*LoadResult{
			"4": {Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "остаётся"}}},
		},
	}
	view := NewViewState(fake)
	require.NoError(t, view.RefreshSessions(context.Background(), "tok"))
	require.NoError(t, view.Switch(context.Background(), "tok", active))

	require.NoError(t, view.Delete(context.Background(), "tok", model.NewRemoteID("5")))

	assert.Equal(t, active.String(), view.ActiveSession().String())
	require.Len(t, view.Sessions(), 1)
	require.Len(t, view.Conversation(), 1)
	assert.Equal(t, "остаётся", view.Conversation()[0].Content)
}

// 连接状态回调只在状态实际变化时触发。
func TestViewStateStatusCallbackOnChange(t *testing.T) {
	fake := &fakeSync{status: model.StatusConnected}
	view := NewViewState(fake)

	var changes []model.ConnectionStatus
	view.OnConnectionStatusChange = func(s model.ConnectionStatus) {
		changes = append(changes, s)
	}

	// 初始已是 connected，相同状态不触发
	require.NoError(t, view.RefreshSessions(context.Background(), "tok"))
	assert.Empty(t, changes)

	fake.status = model.StatusDisconnected
	require.NoError(t, view.RefreshSessions(context.Background(), "tok"))
	require.Len(t, changes, 1)
	assert.Equal(t, model.StatusDisconnected, changes[0])

	fake.status = model.StatusConnected
	require.NoError(t, view.RefreshSessions(context.Background(), "tok"))
	require.Len(t, changes, 2)
	assert.Equal(t, model.StatusConnected, changes[1])
}

// 搜索结果成为展示中的会话列表。
func TestViewStateSearchReplacesList(t *testing.T) {
	fake := &fakeSync{
		searchRes: []model.ChatSession{{ID: model.NewRemoteID("9"), Title: "MRI"}},
	}
	view := NewViewState(fake)

	require.NoError(t, view.Search(context.Background(), "tok", "MRI"))
	require.Len(t, view.Sessions(), 1)
	assert.Equal(t, "MRI", view.Sessions()[0].Title)
}

// StartNew 清空活动会话并回到欢迎消息。
func TestViewStateStartNew(t *testing.T) {
	id := model.NewRemoteID("10")
	fake := &fakeSync{
		loadByID: map[string]*LoadResult{
			"10": {Messages: []model.ChatMessage{{Role: model.RoleUser, Content: "x"}}},
		},
	}
	view := NewViewState(fake)
	require.NoError(t, view.Switch(context.Background(), "tok", id))

	view.StartNew()

	assert.True(t, view.ActiveSession().IsZero())
	require.Len(t, view.Conversation(), 1)
	assert.Equal(t, "добро пожаловать", view.Conversation()[0].Content)
}

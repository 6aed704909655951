package service

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// ViewState 是聊天视图状态控制器：持有内存中的当前会话内容、
// 活动会话 ID、会话列表与连接状态，把用户意图分发给同步器，
// 并通过回调把每次变更推给渲染层（websocket 推送）。
//
// 连接状态机：{connected, disconnected, demo}，初始为 connected（乐观），
// 每次远程调用的结果都可以重新评估它，没有终态。
//
// 迟到的响应守卫：用户在一次加载/发送尚未完成时切换了会话，
// 旧请求最终返回时必须被静默丢弃，不更新会话内容。
type ViewState struct {
	mu           sync.Mutex
	sync         SyncService
	conversation []model.ChatMessage
	activeID     model.SessionID
	sessions     []model.ChatSession
	status       model.ConnectionStatus

	// 渲染层回调，可为 nil。在不持锁的情况下调用。
	OnConversationChange     func([]model.ChatMessage)
	OnSessionListChange      func([]model.ChatSession)
	OnConnectionStatusChange func(model.ConnectionStatus)
}

// NewViewState 创建一个新的视图状态控制器，初始展示欢迎会话。
func NewViewState(syncService SyncService) *ViewState {
	return &ViewState{
		sync:         syncService,
		conversation: syncService.Welcome(),
		status:       model.StatusConnected,
	}
}

// Send 处理一次发送意图：先乐观地把用户消息追加到内存会话并推送，
// 再走完整的同步流程，最后追加助手回复。
func (v *ViewState) Send(ctx context.Context, tok, content, mdl string, attachments []model.Attachment, image io.Reader, imageName string) error {
	v.mu.Lock()
	startID := v.activeID
	history := append([]model.ChatMessage(nil), v.conversation...)
	v.conversation = append(v.conversation, model.ChatMessage{
		Role:        model.RoleUser,
		Content:     content,
		Timestamp:   model.ClockStamp(time.Now()),
		Attachments: attachments,
	})
	optimistic := append([]model.ChatMessage(nil), v.conversation...)
	v.mu.Unlock()
	v.emitConversation(optimistic)

	result, err := v.sync.SendMessage(ctx, tok, SendRequest{
		SessionID:   startID,
		Content:     content,
		Model:       mdl,
		Attachments: attachments,
		Image:       image,
		ImageName:   imageName,
		History:     history,
	})
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.activeID.String() != startID.String() {
		// 用户已切换会话，迟到的结果只保留镜像里的副本
		v.mu.Unlock()
		return nil
	}
	v.activeID = result.SessionID
	v.conversation = append(v.conversation, result.Assistant)
	conversation := append([]model.ChatMessage(nil), v.conversation...)
	statusChanged := v.setStatusLocked(result.Status)
	v.upsertSessionLocked(result.Session)
	sessions := append([]model.ChatSession(nil), v.sessions...)
	status := v.status
	v.mu.Unlock()

	v.emitConversation(conversation)
	v.emitSessions(sessions)
	if statusChanged {
		v.emitStatus(status)
	}
	return nil
}

// Switch 切换到另一个会话并加载其消息记录。
func (v *ViewState) Switch(ctx context.Context, tok string, id model.SessionID) error {
	v.mu.Lock()
	v.activeID = id
	v.mu.Unlock()

	result, err := v.sync.LoadSession(ctx, tok, id)
	if err != nil {
		return err
	}

	v.mu.Lock()
	if v.activeID.String() != id.String() {
		v.mu.Unlock()
		return nil
	}
	v.conversation = result.Messages
	conversation := append([]model.ChatMessage(nil), v.conversation...)
	statusChanged := false
	if result.Status != "" {
		statusChanged = v.setStatusLocked(result.Status)
	}
	status := v.status
	v.mu.Unlock()

	v.emitConversation(conversation)
	if statusChanged {
		v.emitStatus(status)
	}
	return nil
}

// Delete 删除一个会话；删除的是活动会话时重置为新会话状态。
func (v *ViewState) Delete(ctx context.Context, tok string, id model.SessionID) error {
	status, err := v.sync.DeleteSession(ctx, tok, id)
	if err != nil {
		return err
	}

	v.mu.Lock()
	kept := v.sessions[:0]
	for _, s := range v.sessions {
		if s.ID.String() != id.String() {
			kept = append(kept, s)
		}
	}
	v.sessions = kept
	sessions := append([]model.ChatSession(nil), v.sessions...)

	resetActive := v.activeID.String() == id.String()
	if resetActive {
		v.activeID = model.SessionID{}
		v.conversation = v.sync.Welcome()
	}
	conversation := append([]model.ChatMessage(nil), v.conversation...)
	statusChanged := false
	if status != "" {
		statusChanged = v.setStatusLocked(status)
	}
	newStatus := v.status
	v.mu.Unlock()

	v.emitSessions(sessions)
	if resetActive {
		v.emitConversation(conversation)
	}
	if statusChanged {
		v.emitStatus(newStatus)
	}
	return nil
}

// StartNew 重置为全新会话：清空活动 ID，展示欢迎消息。
// 会话本身在首条用户消息发送时才惰性创建。
func (v *ViewState) StartNew() {
	v.mu.Lock()
	v.activeID = model.SessionID{}
	v.conversation = v.sync.Welcome()
	conversation := append([]model.ChatMessage(nil), v.conversation...)
	v.mu.Unlock()
	v.emitConversation(conversation)
}

// RefreshSessions 重新加载会话列表。
func (v *ViewState) RefreshSessions(ctx context.Context, tok string) error {
	sessions, status, err := v.sync.Sessions(ctx, tok)
	if err != nil {
		return err
	}
	v.applySessionList(sessions, status)
	return nil
}

// Search 按关键字过滤并把结果作为展示中的会话列表。
func (v *ViewState) Search(ctx context.Context, tok, query string) error {
	sessions, err := v.sync.Search(ctx, tok, query)
	if err != nil {
		return err
	}
	v.applySessionList(sessions, "")
	return nil
}

func (v *ViewState) applySessionList(sessions []model.ChatSession, status model.ConnectionStatus) {
	v.mu.Lock()
	v.sessions = sessions
	snapshot := append([]model.ChatSession(nil), v.sessions...)
	statusChanged := false
	if status != "" {
		statusChanged = v.setStatusLocked(status)
	}
	newStatus := v.status
	v.mu.Unlock()

	v.emitSessions(snapshot)
	if statusChanged {
		v.emitStatus(newStatus)
	}
}

// Conversation 返回当前会话内容的快照。
func (v *ViewState) Conversation() []model.ChatMessage {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.ChatMessage(nil), v.conversation...)
}

// Sessions 返回会话列表的快照。
func (v *ViewState) Sessions() []model.ChatSession {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]model.ChatSession(nil), v.sessions...)
}

// ActiveSession 返回当前活动会话 ID（可能为零值）。
func (v *ViewState) ActiveSession() model.SessionID {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.activeID
}

// Status 返回当前连接状态。
func (v *ViewState) Status() model.ConnectionStatus {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.status
}

func (v *ViewState) setStatusLocked(status model.ConnectionStatus) bool {
	if v.status == status {
		return false
	}
	v.status = status
	return true
}

func (v *ViewState) upsertSessionLocked(session model.ChatSession) {
	for i := range v.sessions {
		if v.sessions[i].ID.String() == session.ID.String() {
			v.sessions[i] = session
			return
		}
	}
	v.sessions = append([]model.ChatSession{session}, v.sessions...)
}

func (v *ViewState) emitConversation(conversation []model.ChatMessage) {
	if v.OnConversationChange != nil {
		v.OnConversationChange(conversation)
	}
}

func (v *ViewState) emitSessions(sessions []model.ChatSession) {
	if v.OnSessionListChange != nil {
		v.OnSessionListChange(sessions)
	}
}

func (v *ViewState) emitStatus(status model.ConnectionStatus) {
	if v.OnConnectionStatusChange != nil {
		v.OnConnectionStatusChange(status)
	}
}

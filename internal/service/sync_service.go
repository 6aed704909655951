// Package service 包含了网关的业务逻辑层。
// 核心是会话同步器：每个用户操作先尝试远程后端，成功时把结果写穿到本地镜像，
// 失败时回退到镜像并降级连接状态。远程错误从不越过本层，
// 唯一允许上抛的是镜像自身的 ErrMirror。
package service

import (
	"context"
	"io"
	"strings"
	"time"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/repository"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/backend"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/es"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/kafka"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

// 用户可见的俄语文案，与 AviShifo 前端保持一致。
const (
	defaultTitle = "Новый чат"

	welcomeGeneral  = "Здравствуйте! Я AviShifo.ai — ваш медицинский AI-ассистент. Задайте вопрос или опишите симптомы, и я постараюсь помочь."
	welcomeRadiolog = "Здравствуйте! Я AviRadiolog — ассистент по анализу медицинских изображений. Загрузите снимок или задайте вопрос."

	demoReplyText = "Это демонстрационный ответ: сервер AviShifo временно недоступен. Ваши сообщения сохраняются локально и будут синхронизированы после восстановления соединения."

	errorReplyText = "Извините, произошла ошибка при обработке запроса. Проверьте соединение и попробуйте ещё раз."
)

const (
	titleLimit   = 50
	previewLimit = 100
)

// SendRequest 描述一次发送操作的输入。
// SessionID 为零值表示尚无活动会话，需要惰性创建。
// History 是发送前的内存会话内容，用作补全接口的上下文。
type SendRequest struct {
	SessionID   model.SessionID
	Content     string
	Model       string
	Attachments []model.Attachment
	Image       io.Reader
	ImageName   string
	History     []model.ChatMessage
}

// SendResult 是一次发送操作的完整结果。
type SendResult struct {
	SessionID model.SessionID
	User      model.ChatMessage
	Assistant model.ChatMessage
	Session   model.ChatSession
	Status    model.ConnectionStatus
}

// LoadResult 是一次会话加载的结果。Status 为空表示本次操作没有触碰远程，
// 连接状态保持不变。
type LoadResult struct {
	Messages []model.ChatMessage
	Status   model.ConnectionStatus
}

// SyncService 定义了会话同步器的全部操作。
type SyncService interface {
	// SendMessage 执行完整的发送流程：惰性创建会话、请求补全、
	// 写穿镜像、尽力转发到后端日志。
	SendMessage(ctx context.Context, tok string, req SendRequest) (*SendResult, error)
	// LoadSession 加载一个会话的消息记录用于展示（远程优先，镜像回退）。
	LoadSession(ctx context.Context, tok string, id model.SessionID) (*LoadResult, error)
	// DeleteSession 删除一个会话：远程尽力而为，镜像无条件移除。
	DeleteSession(ctx context.Context, tok string, id model.SessionID) (model.ConnectionStatus, error)
	// Sessions 返回会话列表（远程优先，成功时写穿镜像）。
	Sessions(ctx context.Context, tok string) ([]model.ChatSession, model.ConnectionStatus, error)
	// Search 按关键字搜索会话（远程→搜索索引→镜像子串过滤）。
	Search(ctx context.Context, tok, query string) ([]model.ChatSession, error)
	// Statistics 返回聚合使用统计（远程优先，失败时基于镜像合成）。
	Statistics(ctx context.Context, tok string) (*model.ChatStats, error)
	// Welcome 返回新会话的欢迎消息。
	Welcome() []model.ChatMessage
}

type syncService struct {
	remote backend.Client
	mirror repository.MirrorStore
	chat   config.ChatConfig
}

// NewSyncService 创建一个新的 SyncService 实例。
func NewSyncService(remote backend.Client, mirror repository.MirrorStore, chat config.ChatConfig) SyncService {
	return &syncService{
		remote: remote,
		mirror: mirror,
		chat:   chat,
	}
}

// SendMessage 执行核心发送流程。
// 用户消息已由视图层乐观追加，这里负责其余步骤。
func (s *syncService) SendMessage(ctx context.Context, tok string, req SendRequest) (*SendResult, error) {
	now := time.Now()
	userMsg := model.ChatMessage{
		Role:        model.RoleUser,
		Content:     req.Content,
		Timestamp:   model.ClockStamp(now),
		Attachments: req.Attachments,
	}

	id := req.SessionID
	isNew := id.IsZero()
	if req.History == nil && !isNew {
		// 无状态调用方（REST）不携带内存会话，用镜像副本充当上下文
		history, err := s.mirror.ReadMessages(id)
		if err != nil {
			return nil, err
		}
		req.History = history
	}
	if isNew {
		remoteID, err := s.remote.CreateSession(ctx, tok, makeTitle(req.Content))
		if err != nil {
			// 创建失败：合成本地 ID，会话先只存在于镜像中
			log.Warnw("远程创建会话失败，改用本地会话", "error", err)
			id = model.NewLocalID(now)
		} else {
			id = model.NewRemoteID(remoteID)
		}
	}

	var assistant model.ChatMessage
	status := model.StatusConnected
	if remoteID, err := id.Remote(); err == nil {
		assistant, status = s.askAssistant(ctx, tok, remoteID, req)
	} else {
		// 本地会话意味着后端不可达：合成演示回复，不发起远程调用
		assistant = model.ChatMessage{
			Role:       model.RoleAssistant,
			Content:    demoReplyText,
			Timestamp:  model.ClockStamp(time.Now()),
			IsFallback: true,
		}
		status = model.StatusDemo
	}

	// 无论补全结果如何，两条消息都要进镜像
	if err := s.mirror.AppendMessages(id, userMsg, assistant); err != nil {
		return nil, err
	}
	session, err := s.refreshHeader(id, userMsg, assistant, isNew)
	if err != nil {
		return nil, err
	}
	s.indexSession(ctx, session)

	// 尽力转发到后端的会话日志；失败只记录，不回滚前面的步骤
	if remoteID, err := id.Remote(); err == nil {
		s.forwardMessage(ctx, tok, remoteID, userMsg)
		s.forwardMessage(ctx, tok, remoteID, assistant)
	}

	return &SendResult{
		SessionID: id,
		User:      userMsg,
		Assistant: assistant,
		Session:   session,
		Status:    status,
	}, nil
}

// askAssistant 调用补全接口并把响应折叠成一条助手消息与连接状态。
func (s *syncService) askAssistant(ctx context.Context, tok, remoteID string, req SendRequest) (model.ChatMessage, model.ConnectionStatus) {
	history := s.contextMessages(req.History)
	started := time.Now()

	var comp *backend.Completion
	var err error
	if req.Image != nil {
		if req.Content != "" {
			comp, err = s.remote.SendCombined(ctx, tok, remoteID, req.Content, req.ImageName, req.Image, req.Model)
		} else {
			comp, err = s.remote.SendImage(ctx, tok, remoteID, req.ImageName, req.Image)
		}
	} else {
		comp, err = s.remote.SendMessage(ctx, tok, remoteID, req.Content, req.Model, history)
	}
	elapsed := time.Since(started).Milliseconds()
	stamp := model.ClockStamp(time.Now())

	if err != nil {
		log.Warnw("补全请求失败", "session", remoteID, "error", err)
		kafka.EmitSyncEvent("completion", remoteID, "failed", err.Error())
		return model.ChatMessage{
			Role:      model.RoleAssistant,
			Content:   errorReplyText,
			Timestamp: stamp,
			IsError:   true,
		}, model.StatusDisconnected
	}
	if comp.Error != "" {
		// 后端自己报告了错误载荷
		return model.ChatMessage{
			Role:      model.RoleAssistant,
			Content:   errorReplyText,
			Timestamp: stamp,
			IsError:   true,
		}, model.StatusDisconnected
	}

	msg := model.ChatMessage{
		Role:           model.RoleAssistant,
		Content:        comp.Reply,
		Timestamp:      stamp,
		IsFallback:     comp.Fallback,
		TokensUsed:     comp.TokensUsed,
		ResponseTimeMs: elapsed,
		ModelUsed:      comp.ModelUsed,
	}
	if comp.Fallback {
		return msg, model.StatusDemo
	}
	return msg, model.StatusConnected
}

// contextMessages 过滤转发给补全接口的上下文：
// 带 isError/isFallback 标记的消息默认不作为上下文，HistoryLimit 限制条数。
func (s *syncService) contextMessages(history []model.ChatMessage) []model.ChatMessage {
	filtered := make([]model.ChatMessage, 0, len(history))
	for _, m := range history {
		if m.Flagged() && !s.chat.IncludeFlaggedContext {
			continue
		}
		filtered = append(filtered, m)
	}
	if s.chat.HistoryLimit > 0 && len(filtered) > s.chat.HistoryLimit {
		filtered = filtered[len(filtered)-s.chat.HistoryLimit:]
	}
	return filtered
}

// refreshHeader 更新镜像里的会话头：消息计数、预览、token 累计。
func (s *syncService) refreshHeader(id model.SessionID, userMsg, assistant model.ChatMessage, isNew bool) (model.ChatSession, error) {
	existing, err := repository.FindSession(s.mirror, id)
	if err != nil {
		return model.ChatSession{}, err
	}

	var session model.ChatSession
	if existing != nil {
		session = *existing
	} else {
		session = model.ChatSession{
			ID:   id,
			Date: model.DateStamp(time.Now()),
		}
		if isNew {
			// 标题只在首次发送时从首条用户消息派生；
			// 旧会话缺头时标题留空，等下一次列表同步从远程补齐
			session.Title = makeTitle(userMsg.Content)
		}
	}
	session.MessagesCount += 2
	session.TotalTokensUsed += assistant.TokensUsed
	preview := assistant.Content
	if preview == "" {
		preview = userMsg.Content
	}
	session.LastMessage = makePreview(preview)

	if err := repository.UpsertSession(s.mirror, session); err != nil {
		return model.ChatSession{}, err
	}
	return session, nil
}

// forwardMessage 把一条消息尽力记入后端会话日志。失败不重试：
// 用户的下一次操作就是重试触发器，这里只留下日志与审计事件。
func (s *syncService) forwardMessage(ctx context.Context, tok, remoteID string, msg model.ChatMessage) {
	if err := s.remote.AppendMessage(ctx, tok, remoteID, msg); err != nil {
		log.Warnw("转发消息到后端日志失败", "session", remoteID, "role", msg.Role, "error", err)
		kafka.EmitSyncEvent("forward_message", remoteID, "failed", err.Error())
	}
}

func (s *syncService) LoadSession(ctx context.Context, tok string, id model.SessionID) (*LoadResult, error) {
	if id.IsZero() {
		return &LoadResult{Messages: s.Welcome()}, nil
	}
	if id.IsLocal() {
		messages, err := s.mirror.ReadMessages(id)
		if err != nil {
			return nil, err
		}
		if len(messages) == 0 {
			messages = s.Welcome()
		}
		return &LoadResult{Messages: messages}, nil
	}

	remoteID, _ := id.Remote()
	messages, err := s.remote.GetSessionMessages(ctx, tok, remoteID)
	if err == nil {
		// 缓存刷新：整体覆盖镜像副本，不做合并
		if merr := s.mirror.ReplaceMessages(id, messages); merr != nil {
			return nil, merr
		}
		return &LoadResult{Messages: messages, Status: model.StatusConnected}, nil
	}

	log.Warnw("远程加载会话失败，回退到本地镜像", "session", remoteID, "error", err)
	messages, merr := s.mirror.ReadMessages(id)
	if merr != nil {
		return nil, merr
	}
	if len(messages) == 0 {
		messages = s.Welcome()
	}
	return &LoadResult{Messages: messages, Status: model.StatusDisconnected}, nil
}

func (s *syncService) DeleteSession(ctx context.Context, tok string, id model.SessionID) (model.ConnectionStatus, error) {
	var status model.ConnectionStatus
	if remoteID, err := id.Remote(); err == nil {
		if derr := s.remote.DeleteSession(ctx, tok, remoteID); derr != nil {
			log.Warnw("远程删除会话失败，本地删除照常进行", "session", remoteID, "error", derr)
			kafka.EmitSyncEvent("delete_session", remoteID, "failed", derr.Error())
			status = model.StatusDisconnected
		} else {
			status = model.StatusConnected
		}
	}

	if err := s.mirror.DeleteSession(id); err != nil {
		return status, err
	}
	s.removeFromIndex(ctx, id)
	return status, nil
}

func (s *syncService) Sessions(ctx context.Context, tok string) ([]model.ChatSession, model.ConnectionStatus, error) {
	sessions, err := s.remote.ListSessions(ctx, tok)
	if err == nil {
		merged, merr := s.mergeLocalSessions(sessions)
		if merr != nil {
			return nil, model.StatusConnected, merr
		}
		if merr := s.mirror.WriteSessions(merged); merr != nil {
			return nil, model.StatusConnected, merr
		}
		return merged, model.StatusConnected, nil
	}

	log.Warnw("远程会话列表不可用，回退到本地镜像", "error", err)
	sessions, merr := s.mirror.ReadSessions()
	if merr != nil {
		return nil, model.StatusDisconnected, merr
	}
	return sessions, model.StatusDisconnected, nil
}

// mergeLocalSessions 在写穿远程列表前保留镜像里仅存在于本地的会话头。
// 远程列表永远不含 local- 会话，整体覆盖会让离线创建的会话连同可见性一起丢失，
// 而它们的消息记录还留在镜像里。
func (s *syncService) mergeLocalSessions(remote []model.ChatSession) ([]model.ChatSession, error) {
	mirrored, err := s.mirror.ReadSessions()
	if err != nil {
		return nil, err
	}
	locals := make([]model.ChatSession, 0, len(mirrored))
	for _, sess := range mirrored {
		if sess.ID.IsLocal() {
			locals = append(locals, sess)
		}
	}
	if len(locals) == 0 {
		return remote, nil
	}
	return append(locals, remote...), nil
}

func (s *syncService) Search(ctx context.Context, tok, query string) ([]model.ChatSession, error) {
	if strings.TrimSpace(query) == "" {
		sessions, _, err := s.Sessions(ctx, tok)
		return sessions, err
	}

	sessions, err := s.remote.SearchSessions(ctx, tok, query)
	if err == nil {
		return sessions, nil
	}
	log.Warnw("远程搜索失败，回退到本地搜索", "query", query, "error", err)

	local, merr := s.mirror.ReadSessions()
	if merr != nil {
		return nil, merr
	}
	if es.Enabled() {
		ids, eerr := es.SearchSessionIDs(ctx, config.Conf.Elasticsearch.IndexName, query)
		if eerr == nil {
			return pickSessions(local, ids), nil
		}
		log.Warnw("搜索索引查询失败，改用子串过滤", "query", query, "error", eerr)
	}
	return filterSessions(local, query), nil
}

func (s *syncService) Statistics(ctx context.Context, tok string) (*model.ChatStats, error) {
	stats, err := s.remote.Statistics(ctx, tok)
	if err == nil {
		return stats, nil
	}
	log.Warnw("远程统计不可用，基于本地镜像合成", "error", err)

	sessions, merr := s.mirror.ReadSessions()
	if merr != nil {
		return nil, merr
	}
	return synthesizeStats(sessions, time.Now()), nil
}

func (s *syncService) Welcome() []model.ChatMessage {
	content := welcomeGeneral
	if s.chat.Assistant == backend.AssistantRadiolog {
		content = welcomeRadiolog
	}
	return []model.ChatMessage{{
		Role:      model.RoleAssistant,
		Content:   content,
		Timestamp: model.ClockStamp(time.Now()),
	}}
}

// indexSession 把会话头写入搜索索引（尽力而为）。
func (s *syncService) indexSession(ctx context.Context, session model.ChatSession) {
	if !es.Enabled() {
		return
	}
	if err := es.IndexSession(ctx, config.Conf.Elasticsearch.IndexName, session); err != nil {
		log.Warnw("索引会话头失败", "session", session.ID.String(), "error", err)
	}
}

func (s *syncService) removeFromIndex(ctx context.Context, id model.SessionID) {
	if !es.Enabled() {
		return
	}
	if err := es.RemoveSession(ctx, config.Conf.Elasticsearch.IndexName, id.String()); err != nil {
		log.Warnw("从搜索索引移除会话失败", "session", id.String(), "error", err)
	}
}

// makeTitle 从首条用户消息派生会话标题，超过 50 个字符时截断并加省略号。
func makeTitle(content string) string {
	content = strings.TrimSpace(content)
	if content == "" {
		return defaultTitle
	}
	runes := []rune(content)
	if len(runes) <= titleLimit {
		return content
	}
	return string(runes[:titleLimit]) + "..."
}

// makePreview 生成会话列表里的最后消息预览，超过 100 个字符时截断。
func makePreview(content string) string {
	content = strings.TrimSpace(content)
	runes := []rune(content)
	if len(runes) <= previewLimit {
		return content
	}
	return string(runes[:previewLimit]) + "..."
}

// filterSessions 对标题与预览做大小写不敏感的子串过滤。
func filterSessions(sessions []model.ChatSession, query string) []model.ChatSession {
	needle := strings.ToLower(query)
	matched := make([]model.ChatSession, 0, len(sessions))
	for _, s := range sessions {
		if strings.Contains(strings.ToLower(s.Title), needle) ||
			strings.Contains(strings.ToLower(s.LastMessage), needle) {
			matched = append(matched, s)
		}
	}
	return matched
}

// pickSessions 按 ID 列表从镜像会话中挑出命中的会话头，保持索引返回的顺序。
func pickSessions(sessions []model.ChatSession, ids []string) []model.ChatSession {
	byID := make(map[string]model.ChatSession, len(sessions))
	for _, s := range sessions {
		byID[s.ID.String()] = s
	}
	matched := make([]model.ChatSession, 0, len(ids))
	for _, id := range ids {
		if s, ok := byID[id]; ok {
			matched = append(matched, s)
		}
	}
	return matched
}

// synthesizeStats 在后端不可达时基于镜像会话头合成统计。
func synthesizeStats(sessions []model.ChatSession, now time.Time) *model.ChatStats {
	stats := &model.ChatStats{TotalSessions: len(sessions)}
	dayCounts := make(map[string]int)
	weekAgo := now.AddDate(0, 0, -7)
	monthAgo := now.AddDate(0, -1, 0)

	for _, s := range sessions {
		stats.TotalMessages += s.MessagesCount
		stats.TotalTokens += s.TotalTokensUsed
		dayCounts[s.Date]++
		if t, err := time.Parse("2006-01-02", s.Date); err == nil {
			if t.After(weekAgo) {
				stats.SessionsThisWeek++
			}
			if t.After(monthAgo) {
				stats.SessionsThisMonth++
			}
		}
	}
	if stats.TotalSessions > 0 {
		stats.AvgMessagesPerSession = float64(stats.TotalMessages) / float64(stats.TotalSessions)
	}
	best := 0
	for day, count := range dayCounts {
		if count > best || (count == best && day > stats.MostActiveDay) {
			best = count
			stats.MostActiveDay = day
		}
	}
	return stats
}

// Package backend 提供了访问上游 AviShifo 后端 REST API 的客户端。
// 所有失败（网络错误、非 2xx 状态、非 JSON 响应体）都折叠为 ErrRemoteUnavailable，
// 由同步层决定回退到本地镜像还是合成错误消息，错误绝不会越过同步层。
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// ErrRemoteUnavailable 表示后端不可达或返回了无法使用的响应。
var ErrRemoteUnavailable = errors.New("后端服务不可用")

// 助手类型，决定补全接口的路径与演示回复的模板。
const (
	AssistantGeneral  = "general"
	AssistantRadiolog = "radiolog"
)

// Completion 是补全接口的解析结果。
// Fallback 为 true 表示后端自己标记了降级回复（演示模式）。
type Completion struct {
	Reply      string
	Error      string
	Fallback   bool
	TokensUsed int
	ModelUsed  string
}

// Client 定义了后端会话服务的全部网络操作。
type Client interface {
	// CreateSession 创建一个新会话并返回后端签发的会话 ID。
	CreateSession(ctx context.Context, tok, title string) (string, error)
	// ListSessions 返回后端的会话列表（最近优先）。
	ListSessions(ctx context.Context, tok string) ([]model.ChatSession, error)
	// GetSessionMessages 返回指定会话的完整消息记录。
	GetSessionMessages(ctx context.Context, tok, id string) ([]model.ChatMessage, error)
	// AppendMessage 将一条消息记入后端的会话日志（尽力而为，调用方不重试）。
	AppendMessage(ctx context.Context, tok, id string, msg model.ChatMessage) error
	// DeleteSession 删除后端的会话记录（尽力而为）。
	DeleteSession(ctx context.Context, tok, id string) error
	// SearchSessions 按关键字搜索会话。
	SearchSessions(ctx context.Context, tok, query string) ([]model.ChatSession, error)
	// ExportSession 请求后端导出整个会话为指定格式的文本。
	ExportSession(ctx context.Context, tok, id, format string) (string, error)
	// Statistics 获取聚合使用统计。
	Statistics(ctx context.Context, tok string) (*model.ChatStats, error)
	// SendMessage 调用补全接口：发送用户输入与上下文，返回助手回复。
	SendMessage(ctx context.Context, tok, id, content, mdl string, history []model.ChatMessage) (*Completion, error)
	// SendImage 发送单张图片给补全接口分析。
	SendImage(ctx context.Context, tok, id, fileName string, image io.Reader) (*Completion, error)
	// SendCombined 在一次请求中同时发送图片与文本，避免产生两条回复。
	SendCombined(ctx context.Context, tok, id, text, fileName string, image io.Reader, mdl string) (*Completion, error)
}

type httpClient struct {
	baseURL   string
	assistant string
	client    *http.Client
}

// NewClient 根据配置创建一个后端客户端。
// 超时为 0 时不设应用级超时，沿用平台默认行为。
func NewClient(cfg config.BackendConfig, assistant string) Client {
	hc := &http.Client{}
	if cfg.TimeoutSeconds > 0 {
		hc.Timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	if assistant == "" {
		assistant = AssistantGeneral
	}
	return &httpClient{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		assistant: assistant,
		client:    hc,
	}
}

// sessionDTO 对应后端会话对象的线格式。
type sessionDTO struct {
	ID              json.Number `json:"id"`
	Title           string      `json:"title"`
	CreatedAt       string      `json:"created_at"`
	LastMessage     string      `json:"last_message"`
	MessagesCount   int         `json:"messages_count"`
	TotalTokensUsed int         `json:"total_tokens_used"`
}

// messageDTO 对应后端消息对象的线格式。
type messageDTO struct {
	Role       string `json:"role"`
	Content    string `json:"content"`
	CreatedAt  string `json:"created_at"`
	TokensUsed int    `json:"tokens_used"`
	IsError    bool   `json:"is_error"`
	IsFallback bool   `json:"is_fallback"`
	ModelUsed  string `json:"model_used"`
}

// completionDTO 对应补全接口响应的线格式。
type completionDTO struct {
	Reply      string `json:"reply"`
	Content    string `json:"content"`
	Error      string `json:"error"`
	Fallback   bool   `json:"fallback"`
	TokensUsed int    `json:"tokens_used"`
	ModelUsed  string `json:"model_used"`
}

func (c *httpClient) CreateSession(ctx context.Context, tok, title string) (string, error) {
	body, _ := json.Marshal(map[string]string{"title": title})
	resp, err := c.do(ctx, tok, http.MethodPost, "/api/chat-history/sessions/", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := requireJSON(resp); err != nil {
		return "", err
	}
	var dto sessionDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return "", fmt.Errorf("%w: 解析创建会话响应失败: %v", ErrRemoteUnavailable, err)
	}
	if dto.ID.String() == "" {
		return "", fmt.Errorf("%w: 创建会话响应缺少 id", ErrRemoteUnavailable)
	}
	return dto.ID.String(), nil
}

func (c *httpClient) ListSessions(ctx context.Context, tok string) ([]model.ChatSession, error) {
	return c.fetchSessionList(ctx, tok, "/api/chat-history/sessions/")
}

func (c *httpClient) SearchSessions(ctx context.Context, tok, query string) ([]model.ChatSession, error) {
	return c.fetchSessionList(ctx, tok, "/api/chat-history/search/?q="+url.QueryEscape(query))
}

// fetchSessionList 请求一个会话列表接口并兼容 {results:[...]} 与裸数组两种响应。
func (c *httpClient) fetchSessionList(ctx context.Context, tok, path string) ([]model.ChatSession, error) {
	resp, err := c.do(ctx, tok, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := requireJSON(resp); err != nil {
		return nil, err
	}
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: 读取会话列表响应失败: %v", ErrRemoteUnavailable, err)
	}

	var envelope struct {
		Results []sessionDTO `json:"results"`
	}
	var dtos []sessionDTO
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Results != nil {
		dtos = envelope.Results
	} else if err := json.Unmarshal(raw, &dtos); err != nil {
		return nil, fmt.Errorf("%w: 解析会话列表失败: %v", ErrRemoteUnavailable, err)
	}

	sessions := make([]model.ChatSession, 0, len(dtos))
	for _, dto := range dtos {
		sessions = append(sessions, dto.toModel())
	}
	return sessions, nil
}

func (c *httpClient) GetSessionMessages(ctx context.Context, tok, id string) ([]model.ChatMessage, error) {
	resp, err := c.do(ctx, tok, http.MethodGet, "/api/chat-history/sessions/"+id+"/", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := requireJSON(resp); err != nil {
		return nil, err
	}
	var dto struct {
		Messages []messageDTO `json:"messages"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("%w: 解析会话消息失败: %v", ErrRemoteUnavailable, err)
	}
	messages := make([]model.ChatMessage, 0, len(dto.Messages))
	for _, m := range dto.Messages {
		messages = append(messages, m.toModel())
	}
	return messages, nil
}

func (c *httpClient) AppendMessage(ctx context.Context, tok, id string, msg model.ChatMessage) error {
	body, _ := json.Marshal(map[string]interface{}{
		"role":             msg.Role,
		"content":          msg.Content,
		"tokens_used":      msg.TokensUsed,
		"is_error":         msg.IsError,
		"is_fallback":      msg.IsFallback,
		"response_time_ms": msg.ResponseTimeMs,
	})
	resp, err := c.do(ctx, tok, http.MethodPost, "/api/chat-history/sessions/"+id+"/messages/", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *httpClient) DeleteSession(ctx context.Context, tok, id string) error {
	resp, err := c.do(ctx, tok, http.MethodDelete, "/api/chat-history/sessions/"+id+"/", "", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return nil
}

func (c *httpClient) ExportSession(ctx context.Context, tok, id, format string) (string, error) {
	body, _ := json.Marshal(map[string]string{"format": format})
	resp, err := c.do(ctx, tok, http.MethodPost, "/api/chat-history/sessions/"+id+"/export/", "application/json", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if err := requireJSON(resp); err != nil {
		return "", err
	}
	var dto struct {
		Success bool   `json:"success"`
		Data    string `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return "", fmt.Errorf("%w: 解析导出响应失败: %v", ErrRemoteUnavailable, err)
	}
	if !dto.Success {
		return "", fmt.Errorf("%w: 后端拒绝导出会话 %s", ErrRemoteUnavailable, id)
	}
	return dto.Data, nil
}

func (c *httpClient) Statistics(ctx context.Context, tok string) (*model.ChatStats, error) {
	resp, err := c.do(ctx, tok, http.MethodGet, "/api/chat-history/statistics/", "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := requireJSON(resp); err != nil {
		return nil, err
	}
	var stats model.ChatStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("%w: 解析统计响应失败: %v", ErrRemoteUnavailable, err)
	}
	return &stats, nil
}

func (c *httpClient) SendMessage(ctx context.Context, tok, id, content, mdl string, history []model.ChatMessage) (*Completion, error) {
	payload := map[string]interface{}{"content": content}
	if mdl != "" {
		payload["model"] = mdl
	}
	if len(history) > 0 {
		ctxMsgs := make([]map[string]string, 0, len(history))
		for _, m := range history {
			ctxMsgs = append(ctxMsgs, map[string]string{"role": m.Role, "content": m.Content})
		}
		payload["messages"] = ctxMsgs
	}
	body, _ := json.Marshal(payload)
	resp, err := c.do(ctx, tok, http.MethodPost, c.completionPath(id, "send_message"), "application/json", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeCompletion(resp)
}

func (c *httpClient) SendImage(ctx context.Context, tok, id, fileName string, image io.Reader) (*Completion, error) {
	body, contentType, err := multipartBody(map[string]string{}, fileName, image)
	if err != nil {
		return nil, fmt.Errorf("%w: 构造图片请求失败: %v", ErrRemoteUnavailable, err)
	}
	resp, err := c.do(ctx, tok, http.MethodPost, c.completionPath(id, "send_image"), contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeCompletion(resp)
}

func (c *httpClient) SendCombined(ctx context.Context, tok, id, text, fileName string, image io.Reader, mdl string) (*Completion, error) {
	fields := map[string]string{"text": text}
	if mdl != "" {
		fields["model"] = mdl
	}
	body, contentType, err := multipartBody(fields, fileName, image)
	if err != nil {
		return nil, fmt.Errorf("%w: 构造图文请求失败: %v", ErrRemoteUnavailable, err)
	}
	resp, err := c.do(ctx, tok, http.MethodPost, c.completionPath(id, "send_combined_image_and_text"), contentType, body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	return decodeCompletion(resp)
}

// completionPath 根据助手类型拼接补全接口路径。
// 放射科助手使用带 _radiolog 后缀的专用接口。
func (c *httpClient) completionPath(id, op string) string {
	if c.assistant == AssistantRadiolog && (op == "send_message" || op == "send_image") {
		op += "_radiolog"
	}
	return "/api/chat/gpt/chats/" + id + "/" + op + "/"
}

// do 发送一个带 Bearer 凭证的请求，网络错误与非 2xx 状态统一折叠为 ErrRemoteUnavailable。
func (c *httpClient) do(ctx context.Context, tok, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("%w: 构造请求失败: %v", ErrRemoteUnavailable, err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRemoteUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		return nil, fmt.Errorf("%w: %s %s 返回 %s: %s", ErrRemoteUnavailable, method, path, resp.Status, string(bodyBytes))
	}
	return resp, nil
}

// requireJSON 确认响应体是 JSON，HTML 错误页等按不可用处理。
func requireJSON(resp *http.Response) error {
	ct := resp.Header.Get("Content-Type")
	if !strings.Contains(ct, "application/json") {
		return fmt.Errorf("%w: 响应不是 JSON (Content-Type: %s)", ErrRemoteUnavailable, ct)
	}
	return nil
}

func decodeCompletion(resp *http.Response) (*Completion, error) {
	if err := requireJSON(resp); err != nil {
		return nil, err
	}
	var dto completionDTO
	if err := json.NewDecoder(resp.Body).Decode(&dto); err != nil {
		return nil, fmt.Errorf("%w: 解析补全响应失败: %v", ErrRemoteUnavailable, err)
	}
	reply := dto.Reply
	if reply == "" {
		reply = dto.Content
	}
	return &Completion{
		Reply:      reply,
		Error:      dto.Error,
		Fallback:   dto.Fallback,
		TokensUsed: dto.TokensUsed,
		ModelUsed:  dto.ModelUsed,
	}, nil
}

// multipartBody 构造 multipart/form-data 请求体，图片字段名固定为 image。
func multipartBody(fields map[string]string, fileName string, image io.Reader) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if image != nil {
		part, err := w.CreateFormFile("image", fileName)
		if err != nil {
			return nil, "", err
		}
		if _, err := io.Copy(part, image); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func (d sessionDTO) toModel() model.ChatSession {
	title := d.Title
	if title == "" {
		title = "Чат " + d.ID.String()
	}
	date := d.CreatedAt
	if i := strings.Index(date, "T"); i > 0 {
		date = date[:i]
	}
	if date == "" {
		date = model.DateStamp(time.Now())
	}
	return model.ChatSession{
		ID:              model.NewRemoteID(d.ID.String()),
		Title:           title,
		Date:            date,
		LastMessage:     d.LastMessage,
		MessagesCount:   d.MessagesCount,
		TotalTokensUsed: d.TotalTokensUsed,
	}
}

func (d messageDTO) toModel() model.ChatMessage {
	role := model.RoleAssistant
	if d.Role == model.RoleUser {
		role = model.RoleUser
	}
	stamp := ""
	if t, err := time.Parse(time.RFC3339, d.CreatedAt); err == nil {
		stamp = model.ClockStamp(t.Local())
	}
	return model.ChatMessage{
		Role:       role,
		Content:    d.Content,
		Timestamp:  stamp,
		TokensUsed: d.TokensUsed,
		IsError:    d.IsError,
		IsFallback: d.IsFallback,
		ModelUsed:  d.ModelUsed,
	}
}

// Package model 包含了应用的数据模型定义。
package model

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Attachment 代表消息中的一个附件（图片或文件）。
type Attachment struct {
	Type string `json:"type"` // "image" 或 "file"
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
}

// ChatMessage 代表会话中的单条消息。
// IsError 与 IsFallback 互斥：前者表示传输/服务失败时本地合成的错误气泡，
// 后者表示演示模式下本地合成的助手回复。
type ChatMessage struct {
	Role           string       `json:"role"` // "user" 或 "assistant"
	Content        string       `json:"content"`
	Timestamp      string       `json:"timestamp"` // HH:MM 本地时间
	IsError        bool         `json:"is_error,omitempty"`
	IsFallback     bool         `json:"is_fallback,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	TokensUsed     int          `json:"tokens_used,omitempty"`
	ResponseTimeMs int64        `json:"response_time_ms,omitempty"`
	ModelUsed      string       `json:"model_used,omitempty"`
}

// Flagged 返回该消息是否带有本地合成标记（错误或演示回复）。
func (m ChatMessage) Flagged() bool {
	return m.IsError || m.IsFallback
}

// ChatSession 代表一个会话的头信息。
type ChatSession struct {
	ID              SessionID `json:"id"`
	Title           string    `json:"title"`
	Date            string    `json:"date"` // ISO 日期 YYYY-MM-DD
	LastMessage     string    `json:"last_message"`
	MessagesCount   int       `json:"messages_count"`
	TotalTokensUsed int       `json:"total_tokens_used"`
}

// ChatStats 代表聊天使用情况的聚合统计。
type ChatStats struct {
	TotalSessions        int     `json:"total_sessions"`
	TotalMessages        int     `json:"total_messages"`
	TotalTokens          int     `json:"total_tokens"`
	AvgMessagesPerSession float64 `json:"avg_messages_per_session"`
	MostActiveDay        string  `json:"most_active_day"`
	SessionsThisWeek     int     `json:"sessions_this_week"`
	SessionsThisMonth    int     `json:"sessions_this_month"`
}

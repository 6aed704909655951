package service

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/repository"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/backend"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

// 导出格式。
const (
	FormatJSON     = "json"
	FormatText     = "txt"
	FormatMarkdown = "md"
)

// 导出里的角色标签，与前端展示一致。
const (
	labelDoctor    = "Врач"
	labelAssistant = "Avishifo.ai"
)

// ExportService 把一个会话导出为人类可读的文本。
// 远程会话优先请求后端导出；后端不可达或会话只存在于本地时，
// 从镜像数据完整重建。
type ExportService interface {
	Export(ctx context.Context, tok string, id model.SessionID, format string) (string, error)
}

type exportService struct {
	remote backend.Client
	mirror repository.MirrorStore
}

// NewExportService 创建一个新的 ExportService 实例。
func NewExportService(remote backend.Client, mirror repository.MirrorStore) ExportService {
	return &exportService{remote: remote, mirror: mirror}
}

func (s *exportService) Export(ctx context.Context, tok string, id model.SessionID, format string) (string, error) {
	switch format {
	case FormatJSON, FormatText, FormatMarkdown:
	default:
		return "", fmt.Errorf("不支持的导出格式: %s", format)
	}

	if remoteID, err := id.Remote(); err == nil {
		data, rerr := s.remote.ExportSession(ctx, tok, remoteID, format)
		if rerr == nil {
			return data, nil
		}
		log.Warnw("远程导出失败，改用本地镜像重建", "session", remoteID, "error", rerr)
	}
	return s.exportLocal(id, format)
}

// exportLocal 从镜像数据重建导出文本。
// 镜像里也没有数据时这是一个没有回退可用的操作，错误上抛为阻断性告警。
func (s *exportService) exportLocal(id model.SessionID, format string) (string, error) {
	session, err := repository.FindSession(s.mirror, id)
	if err != nil {
		return "", err
	}
	messages, err := s.mirror.ReadMessages(id)
	if err != nil {
		return "", err
	}
	if session == nil && len(messages) == 0 {
		return "", fmt.Errorf("%w: 会话 %s 没有可导出的本地数据", repository.ErrMirror, id.String())
	}

	title := defaultTitle
	date := ""
	if session != nil {
		title = session.Title
		date = session.Date
	}

	switch format {
	case FormatJSON:
		return exportJSON(title, date, id, messages)
	case FormatText:
		return exportText(title, date, messages), nil
	default:
		return exportMarkdown(title, date, messages), nil
	}
}

func exportJSON(title, date string, id model.SessionID, messages []model.ChatMessage) (string, error) {
	payload := map[string]interface{}{
		"id":       id.String(),
		"title":    title,
		"date":     date,
		"messages": messages,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", fmt.Errorf("%w: 序列化导出数据失败: %v", repository.ErrMirror, err)
	}
	return string(data), nil
}

func exportText(title, date string, messages []model.ChatMessage) string {
	var b strings.Builder
	b.WriteString(title)
	b.WriteString("\n")
	if date != "" {
		b.WriteString(date)
		b.WriteString("\n")
	}
	b.WriteString("\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.Timestamp, roleLabel(m.Role), m.Content)
	}
	return b.String()
}

// exportMarkdown 生成带 H1 标题与每条消息一个 H3 块的 Markdown 文稿。
func exportMarkdown(title, date string, messages []model.ChatMessage) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if date != "" {
		fmt.Fprintf(&b, "_%s_\n\n", date)
	}
	for _, m := range messages {
		fmt.Fprintf(&b, "### **%s** (%s)\n\n%s\n\n", roleLabel(m.Role), m.Timestamp, m.Content)
		for _, a := range m.Attachments {
			fmt.Fprintf(&b, "- 📎 [%s](%s)\n", a.Name, a.URL)
		}
	}
	return b.String()
}

func roleLabel(role string) string {
	if role == model.RoleUser {
		return labelDoctor
	}
	return labelAssistant
}

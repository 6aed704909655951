package repository

import (
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// MirrorSession 是会话头在 MySQL 中的行结构，Position 保持列表顺序。
type MirrorSession struct {
	SessionID       string `gorm:"primaryKey;size:64"`
	Position        int    `gorm:"index;not null"`
	Title           string `gorm:"size:255"`
	Date            string `gorm:"size:10"`
	LastMessage     string `gorm:"type:text"`
	MessagesCount   int
	TotalTokensUsed int
}

func (MirrorSession) TableName() string {
	return "chat_mirror_sessions"
}

// MirrorMessageLog 把一个会话的完整消息记录作为 JSON 文本存为一行。
type MirrorMessageLog struct {
	SessionID string `gorm:"primaryKey;size:64"`
	Messages  string `gorm:"type:longtext;not null"`
}

func (MirrorMessageLog) TableName() string {
	return "chat_mirror_messages"
}

type mysqlMirror struct {
	db *gorm.DB
}

// NewMySQLMirror 创建一个 MySQL 支撑的镜像存储并迁移表结构。
func NewMySQLMirror(db *gorm.DB) (MirrorStore, error) {
	if err := db.AutoMigrate(&MirrorSession{}, &MirrorMessageLog{}); err != nil {
		return nil, fmt.Errorf("%w: 迁移镜像表失败: %v", ErrMirror, err)
	}
	return &mysqlMirror{db: db}, nil
}

func (m *mysqlMirror) ReadSessions() ([]model.ChatSession, error) {
	var rows []MirrorSession
	if err := m.db.Order("position asc").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("%w: 读取会话列表失败: %v", ErrMirror, err)
	}
	sessions := make([]model.ChatSession, 0, len(rows))
	for _, row := range rows {
		sessions = append(sessions, model.ChatSession{
			ID:              model.ParseSessionID(row.SessionID),
			Title:           row.Title,
			Date:            row.Date,
			LastMessage:     row.LastMessage,
			MessagesCount:   row.MessagesCount,
			TotalTokensUsed: row.TotalTokensUsed,
		})
	}
	return sessions, nil
}

func (m *mysqlMirror) WriteSessions(sessions []model.ChatSession) error {
	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("1 = 1").Delete(&MirrorSession{}).Error; err != nil {
			return err
		}
		for i, s := range sessions {
			row := MirrorSession{
				SessionID:       s.ID.String(),
				Position:        i,
				Title:           s.Title,
				Date:            s.Date,
				LastMessage:     s.LastMessage,
				MessagesCount:   s.MessagesCount,
				TotalTokensUsed: s.TotalTokensUsed,
			}
			if err := tx.Create(&row).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: 写入会话列表失败: %v", ErrMirror, err)
	}
	return nil
}

func (m *mysqlMirror) ReadMessages(id model.SessionID) ([]model.ChatMessage, error) {
	var row MirrorMessageLog
	err := m.db.First(&row, "session_id = ?", id.String()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取消息记录失败: %v", ErrMirror, err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(row.Messages), &messages); err != nil {
		return nil, fmt.Errorf("%w: 解析消息记录失败: %v", ErrMirror, err)
	}
	return messages, nil
}

func (m *mysqlMirror) AppendMessages(id model.SessionID, messages ...model.ChatMessage) error {
	existing, err := m.ReadMessages(id)
	if err != nil {
		return err
	}
	return m.ReplaceMessages(id, append(existing, messages...))
}

func (m *mysqlMirror) ReplaceMessages(id model.SessionID, messages []model.ChatMessage) error {
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("%w: 序列化消息记录失败: %v", ErrMirror, err)
	}
	row := MirrorMessageLog{SessionID: id.String(), Messages: string(jsonData)}
	if err := m.db.Save(&row).Error; err != nil {
		return fmt.Errorf("%w: 写入消息记录失败: %v", ErrMirror, err)
	}
	return nil
}

func (m *mysqlMirror) DeleteSession(id model.SessionID) error {
	err := m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&MirrorSession{}, "session_id = ?", id.String()).Error; err != nil {
			return err
		}
		return tx.Delete(&MirrorMessageLog{}, "session_id = ?", id.String()).Error
	})
	if err != nil {
		return fmt.Errorf("%w: 删除会话失败: %v", ErrMirror, err)
	}
	return nil
}

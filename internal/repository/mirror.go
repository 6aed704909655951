// Package repository 提供了数据访问层的实现。
// 本地镜像是会话头与消息记录的持久副本：后端可达时作为读缓存，
// 后端不可达时作为唯一数据源。
package repository

import (
	"errors"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// ErrMirror 表示本地镜像存储自身的序列化/容量错误。
// 它是唯一允许以阻断性错误形式上抛到视图层的错误类别。
var ErrMirror = errors.New("本地镜像存储错误")

// MirrorStore 定义了本地镜像的操作接口。
// 所有实现都是最后写入者获胜：并发写会话列表时不加跨进程锁，
// 这是已接受的限制而不是待修复的缺陷。
type MirrorStore interface {
	// ReadSessions 返回镜像中的会话列表（保持写入顺序）。
	ReadSessions() ([]model.ChatSession, error)
	// WriteSessions 整体替换镜像中的会话列表。
	WriteSessions(sessions []model.ChatSession) error
	// ReadMessages 返回指定会话的消息记录，不存在时返回空切片。
	ReadMessages(id model.SessionID) ([]model.ChatMessage, error)
	// AppendMessages 以读取-修改-写入方式在已有记录末尾追加，绝不截断历史。
	AppendMessages(id model.SessionID, messages ...model.ChatMessage) error
	// ReplaceMessages 整体覆盖指定会话的消息记录（远程加载成功后的缓存刷新）。
	ReplaceMessages(id model.SessionID, messages []model.ChatMessage) error
	// DeleteSession 同时移除会话头与其消息记录；对不存在的会话是无操作。
	DeleteSession(id model.SessionID) error
}

// UpsertSession 将会话头写入列表：已存在则原位更新，否则插到最前面。
// 各适配器共用的读取-修改-写入辅助函数。
func UpsertSession(store MirrorStore, session model.ChatSession) error {
	sessions, err := store.ReadSessions()
	if err != nil {
		return err
	}
	for i := range sessions {
		if sessions[i].ID.String() == session.ID.String() {
			sessions[i] = session
			return store.WriteSessions(sessions)
		}
	}
	return store.WriteSessions(append([]model.ChatSession{session}, sessions...))
}

// FindSession 在镜像列表中查找会话头。
func FindSession(store MirrorStore, id model.SessionID) (*model.ChatSession, error) {
	sessions, err := store.ReadSessions()
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].ID.String() == id.String() {
			s := sessions[i]
			return &s, nil
		}
	}
	return nil, nil
}

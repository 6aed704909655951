package repository

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

// mirrorState 是文件适配器的整体持久结构：一个会话列表加按会话 ID 分组的消息记录。
type mirrorState struct {
	Sessions []model.ChatSession            `json:"sessions"`
	Messages map[string][]model.ChatMessage `json:"messages"`
}

type fileMirror struct {
	path string
	mu   sync.Mutex
}

// NewFileMirror 创建一个单 JSON 文件支撑的镜像存储（浏览器 localStorage 的服务端等价物）。
// 同进程内用互斥锁串行化读取-修改-写入；跨进程并发写仍是最后写入者获胜。
func NewFileMirror(path string) (MirrorStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: 创建镜像目录失败: %v", ErrMirror, err)
	}
	return &fileMirror{path: path}, nil
}

func (f *fileMirror) ReadSessions() ([]model.ChatSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return nil, err
	}
	return state.Sessions, nil
}

func (f *fileMirror) WriteSessions(sessions []model.ChatSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return err
	}
	state.Sessions = sessions
	return f.save(state)
}

func (f *fileMirror) ReadMessages(id model.SessionID) ([]model.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return nil, err
	}
	return state.Messages[id.String()], nil
}

func (f *fileMirror) AppendMessages(id model.SessionID, messages ...model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return err
	}
	state.Messages[id.String()] = append(state.Messages[id.String()], messages...)
	return f.save(state)
}

func (f *fileMirror) ReplaceMessages(id model.SessionID, messages []model.ChatMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return err
	}
	state.Messages[id.String()] = messages
	return f.save(state)
}

func (f *fileMirror) DeleteSession(id model.SessionID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, err := f.load()
	if err != nil {
		return err
	}
	kept := state.Sessions[:0]
	for _, s := range state.Sessions {
		if s.ID.String() != id.String() {
			kept = append(kept, s)
		}
	}
	state.Sessions = kept
	delete(state.Messages, id.String())
	return f.save(state)
}

// load 读取状态文件，文件尚不存在时返回空状态。
func (f *fileMirror) load() (*mirrorState, error) {
	state := &mirrorState{Messages: make(map[string][]model.ChatMessage)}
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return state, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取镜像文件失败: %v", ErrMirror, err)
	}
	if len(data) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(data, state); err != nil {
		return nil, fmt.Errorf("%w: 镜像文件损坏: %v", ErrMirror, err)
	}
	if state.Messages == nil {
		state.Messages = make(map[string][]model.ChatMessage)
	}
	return state, nil
}

// save 先写临时文件再重命名，避免写入中断留下半截状态。
func (f *fileMirror) save(state *mirrorState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("%w: 序列化镜像状态失败: %v", ErrMirror, err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("%w: 写入镜像文件失败: %v", ErrMirror, err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("%w: 替换镜像文件失败: %v", ErrMirror, err)
	}
	return nil
}

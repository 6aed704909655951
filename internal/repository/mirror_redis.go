package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v8"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
)

const (
	redisSessionsKey   = "avishifo:chat:sessions"
	redisMessagesKeyFn = "avishifo:chat:messages:%s"
)

type redisMirror struct {
	redisClient *redis.Client
}

// NewRedisMirror 创建一个 Redis 支撑的镜像存储，用于多实例部署共享镜像。
// 镜像数据不设 TTL：它是持久副本而不是普通缓存。
func NewRedisMirror(redisClient *redis.Client) MirrorStore {
	return &redisMirror{redisClient: redisClient}
}

func (r *redisMirror) ReadSessions() ([]model.ChatSession, error) {
	ctx := context.Background()
	jsonData, err := r.redisClient.Get(ctx, redisSessionsKey).Result()
	if err == redis.Nil {
		return []model.ChatSession{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取会话列表失败: %v", ErrMirror, err)
	}
	var sessions []model.ChatSession
	if err := json.Unmarshal([]byte(jsonData), &sessions); err != nil {
		return nil, fmt.Errorf("%w: 解析会话列表失败: %v", ErrMirror, err)
	}
	return sessions, nil
}

func (r *redisMirror) WriteSessions(sessions []model.ChatSession) error {
	jsonData, err := json.Marshal(sessions)
	if err != nil {
		return fmt.Errorf("%w: 序列化会话列表失败: %v", ErrMirror, err)
	}
	if err := r.redisClient.Set(context.Background(), redisSessionsKey, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("%w: 写入会话列表失败: %v", ErrMirror, err)
	}
	return nil
}

func (r *redisMirror) ReadMessages(id model.SessionID) ([]model.ChatMessage, error) {
	ctx := context.Background()
	key := fmt.Sprintf(redisMessagesKeyFn, id.String())
	jsonData, err := r.redisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		return []model.ChatMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: 读取消息记录失败: %v", ErrMirror, err)
	}
	var messages []model.ChatMessage
	if err := json.Unmarshal([]byte(jsonData), &messages); err != nil {
		return nil, fmt.Errorf("%w: 解析消息记录失败: %v", ErrMirror, err)
	}
	return messages, nil
}

func (r *redisMirror) AppendMessages(id model.SessionID, messages ...model.ChatMessage) error {
	existing, err := r.ReadMessages(id)
	if err != nil {
		return err
	}
	return r.ReplaceMessages(id, append(existing, messages...))
}

func (r *redisMirror) ReplaceMessages(id model.SessionID, messages []model.ChatMessage) error {
	jsonData, err := json.Marshal(messages)
	if err != nil {
		return fmt.Errorf("%w: 序列化消息记录失败: %v", ErrMirror, err)
	}
	key := fmt.Sprintf(redisMessagesKeyFn, id.String())
	if err := r.redisClient.Set(context.Background(), key, jsonData, 0).Err(); err != nil {
		return fmt.Errorf("%w: 写入消息记录失败: %v", ErrMirror, err)
	}
	return nil
}

func (r *redisMirror) DeleteSession(id model.SessionID) error {
	sessions, err := r.ReadSessions()
	if err != nil {
		return err
	}
	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID.String() != id.String() {
			kept = append(kept, s)
		}
	}
	if err := r.WriteSessions(kept); err != nil {
		return err
	}
	key := fmt.Sprintf(redisMessagesKeyFn, id.String())
	if err := r.redisClient.Del(context.Background(), key).Err(); err != nil {
		return fmt.Errorf("%w: 删除消息记录失败: %v", ErrMirror, err)
	}
	return nil
}

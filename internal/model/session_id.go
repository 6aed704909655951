package model

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// localPrefix 标识离线创建的本地会话 ID。
const localPrefix = "local-"

// SessionID 区分后端签发的远程会话 ID 和离线合成的本地会话 ID。
// 本地 ID 永远不能作为路径参数发往后端，该约束由类型本身保证：
// 只有 Remote() 返回的值可以拼入后端 URL，而本地 ID 的 Remote() 会失败。
type SessionID struct {
	value string
	local bool
}

// NewRemoteID 包装一个后端签发的会话 ID。
func NewRemoteID(v string) SessionID {
	return SessionID{value: v}
}

// NewLocalID 合成一个本地会话 ID（local-<毫秒时间戳>）。
func NewLocalID(now time.Time) SessionID {
	return SessionID{value: fmt.Sprintf("%s%d", localPrefix, now.UnixMilli()), local: true}
}

// ParseSessionID 根据前缀还原一个会话 ID。
func ParseSessionID(s string) SessionID {
	return SessionID{value: s, local: strings.HasPrefix(s, localPrefix)}
}

// IsLocal 返回该 ID 是否为本地合成。
func (id SessionID) IsLocal() bool { return id.local }

// IsZero 返回该 ID 是否为空。
func (id SessionID) IsZero() bool { return id.value == "" }

// String 返回 ID 的字符串形式（镜像存储键与 JSON 序列化使用）。
func (id SessionID) String() string { return id.value }

// Remote 返回可发往后端的 ID 值；本地 ID 返回错误。
func (id SessionID) Remote() (string, error) {
	if id.local {
		return "", fmt.Errorf("本地会话 ID %q 不能发往后端", id.value)
	}
	if id.value == "" {
		return "", fmt.Errorf("会话 ID 为空")
	}
	return id.value, nil
}

// MarshalJSON 实现 json.Marshaler，按普通字符串序列化。
func (id SessionID) MarshalJSON() ([]byte, error) {
	return json.Marshal(id.value)
}

// UnmarshalJSON 实现 json.Unmarshaler。后端可能返回数字 ID，一并兼容。
func (id *SessionID) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return err
		}
		s = n.String()
	}
	*id = ParseSessionID(s)
	return nil
}

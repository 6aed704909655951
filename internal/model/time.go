package model

import "time"

const (
	clockFormat = "15:04"
	dateFormat  = "2006-01-02"
)

// ClockStamp 将时间格式化为消息时间戳使用的 "HH:MM" 形式。
func ClockStamp(t time.Time) string {
	return t.Format(clockFormat)
}

// DateStamp 将时间格式化为会话头使用的 "YYYY-MM-DD" 形式。
func DateStamp(t time.Time) string {
	return t.Format(dateFormat)
}

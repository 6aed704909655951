// Package kafka 提供了同步审计事件的生产者。
// 尽力而为的远程写入（消息转发、会话删除）失败时，除了日志之外再留下
// 一条结构化事件，供运维侧消费；本服务自身不消费该主题。
package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

// SyncEvent 描述一次同步操作的结果。
type SyncEvent struct {
	Operation string `json:"operation"` // forward_message / delete_session / ...
	SessionID string `json:"session_id"`
	Outcome   string `json:"outcome"` // ok / failed
	Detail    string `json:"detail,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

var producer *kafka.Writer

// InitProducer 初始化审计事件生产者。未配置 broker 时保持禁用。
func InitProducer(cfg config.KafkaConfig) {
	if cfg.Brokers == "" {
		log.Info("未配置 Kafka，同步审计事件已禁用")
		return
	}
	producer = &kafka.Writer{
		Addr:     kafka.TCP(cfg.Brokers),
		Topic:    cfg.Topic,
		Balancer: &kafka.LeastBytes{},
	}
	log.Info("Kafka 审计事件生产者初始化成功")
}

// EmitSyncEvent 发送一条同步审计事件。
// 审计本身也是尽力而为：发送失败只记日志，绝不影响同步流程。
func EmitSyncEvent(operation, sessionID, outcome, detail string) {
	if producer == nil {
		return
	}
	event := SyncEvent{
		Operation: operation,
		SessionID: sessionID,
		Outcome:   outcome,
		Detail:    detail,
		Timestamp: time.Now().UnixMilli(),
	}
	eventBytes, err := json.Marshal(event)
	if err != nil {
		log.Errorf("序列化审计事件失败: %v", err)
		return
	}
	err = producer.WriteMessages(context.Background(),
		kafka.Message{
			Key:   []byte(sessionID),
			Value: eventBytes,
		},
	)
	if err != nil {
		log.Errorf("发送审计事件失败: %v", err)
	}
}

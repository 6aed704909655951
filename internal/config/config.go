// Package config 负责加载和管理应用程序的配置。
package config

import (
	"fmt"

	"github.com/spf13/viper"
)

// 全局配置变量，存储从配置文件加载的所有设置。
var Conf Config

// Config 是整个网关的配置结构体，与 config.yaml 文件结构对应。
type Config struct {
	Server        ServerConfig        `mapstructure:"server"`
	Backend       BackendConfig       `mapstructure:"backend"`
	Mirror        MirrorConfig        `mapstructure:"mirror"`
	Chat          ChatConfig          `mapstructure:"chat"`
	Log           LogConfig           `mapstructure:"log"`
	Kafka         KafkaConfig         `mapstructure:"kafka"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	MinIO         MinIOConfig         `mapstructure:"minio"`
}

// ServerConfig 存储网关自身 HTTP 服务的配置。
type ServerConfig struct {
	Port string `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
}

// BackendConfig 存储上游 AviShifo 后端 REST API 的配置。
// TimeoutSeconds 为 0 时不设应用级超时（沿用平台默认行为）。
type BackendConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
}

// MirrorConfig 存储本地镜像存储的配置。
// Driver 可选 file / redis / mysql，默认 file。
type MirrorConfig struct {
	Driver string            `mapstructure:"driver"`
	File   MirrorFileConfig  `mapstructure:"file"`
	Redis  MirrorRedisConfig `mapstructure:"redis"`
	MySQL  MirrorMySQLConfig `mapstructure:"mysql"`
}

// MirrorFileConfig 存储文件镜像适配器的配置。
type MirrorFileConfig struct {
	Path string `mapstructure:"path"`
}

// MirrorRedisConfig 存储 Redis 镜像适配器的配置。
type MirrorRedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// MirrorMySQLConfig 存储 MySQL 镜像适配器的配置。
type MirrorMySQLConfig struct {
	DSN string `mapstructure:"dsn"`
}

// ChatConfig 存储聊天同步行为相关的配置。
type ChatConfig struct {
	// Assistant 选择助手类型：general（AviShifo.ai 全科）或 radiolog（AviRadiolog）。
	Assistant string `mapstructure:"assistant"`
	// IncludeFlaggedContext 为 true 时，带 isError/isFallback 标记的消息
	// 也会作为上下文转发给补全接口。默认 false。
	IncludeFlaggedContext bool `mapstructure:"include_flagged_context"`
	// HistoryLimit 限制转发给补全接口的上下文消息条数，0 表示不限制。
	HistoryLimit int `mapstructure:"history_limit"`
}

// LogConfig 存储日志相关的配置。
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// KafkaConfig 存储同步审计事件生产者的配置。Brokers 为空时禁用。
type KafkaConfig struct {
	Brokers string `mapstructure:"brokers"`
	Topic   string `mapstructure:"topic"`
}

// ElasticsearchConfig 存储会话搜索索引的配置。Addresses 为空时禁用。
type ElasticsearchConfig struct {
	Addresses string `mapstructure:"addresses"`
	Username  string `mapstructure:"username"`
	Password  string `mapstructure:"password"`
	IndexName string `mapstructure:"index_name"`
}

// MinIOConfig 存储附件对象存储的配置。Endpoint 为空时禁用附件上传。
type MinIOConfig struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	BucketName      string `mapstructure:"bucket_name"`
	PresignExpiryH  int    `mapstructure:"presign_expiry_hours"`
}

// Init 初始化配置加载，从指定的路径读取 YAML 文件并解析到 Conf 变量中。
func Init(configPath string) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")

	if err := viper.ReadInConfig(); err != nil {
		panic(fmt.Errorf("读取配置文件失败: %w", err))
	}

	if err := viper.Unmarshal(&Conf); err != nil {
		panic(fmt.Errorf("无法将配置解析到结构体中: %w", err))
	}

	applyDefaults()
}

// applyDefaults 填充未显式配置的默认值。
func applyDefaults() {
	if Conf.Mirror.Driver == "" {
		Conf.Mirror.Driver = "file"
	}
	if Conf.Mirror.File.Path == "" {
		Conf.Mirror.File.Path = "./data/chat_mirror.json"
	}
	if Conf.Chat.Assistant == "" {
		Conf.Chat.Assistant = "general"
	}
	if Conf.MinIO.PresignExpiryH == 0 {
		Conf.MinIO.PresignExpiryH = 24
	}
}

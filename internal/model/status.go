package model

// ConnectionStatus 表示与后端的连接状态，由最近一次远程调用的结果驱动。
type ConnectionStatus string

const (
	// StatusConnected 最近一次远程调用成功。
	StatusConnected ConnectionStatus = "connected"
	// StatusDisconnected 最近一次远程调用发生网络/HTTP 错误。
	StatusDisconnected ConnectionStatus = "disconnected"
	// StatusDemo 后端不可用或在响应内标记了降级回复，网关本地合成回答。
	StatusDemo ConnectionStatus = "demo"
)

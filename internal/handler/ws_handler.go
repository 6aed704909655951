package handler

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/middleware"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/service"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// WSHandler 负责处理 WebSocket 聊天连接。
// 每个连接持有自己的视图状态控制器，会话内容、会话列表与连接状态的
// 每次变更都会作为事件推给客户端。
type WSHandler struct {
	syncService service.SyncService
}

// NewWSHandler 创建一个新的 WSHandler。
func NewWSHandler(syncService service.SyncService) *WSHandler {
	return &WSHandler{syncService: syncService}
}

// intent 是客户端发来的用户意图。
type intent struct {
	Type      string             `json:"type"` // send / switch / delete / search / new / refresh
	SessionID string             `json:"session_id"`
	Content   string             `json:"content"`
	Model     string             `json:"model"`
	Query     string             `json:"query"`
	Atts      []model.Attachment `json:"attachments"`
}

// Handle 处理一个传入的 WebSocket 连接。
func (h *WSHandler) Handle(c *gin.Context) {
	tok := middleware.BearerToken(c)
	if tok == "" {
		// 演示模式客户端通过查询参数传凭证或完全不传
		tok = c.Query("token")
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立: %s", c.ClientIP())

	// websocket 连接不允许并发写，回调与错误通知共用一把写锁
	var writeMu sync.Mutex
	push := func(eventType string, data interface{}) {
		payload := map[string]interface{}{
			"type":      eventType,
			"data":      data,
			"timestamp": time.Now().UnixMilli(),
		}
		b, err := json.Marshal(payload)
		if err != nil {
			log.Errorf("序列化推送事件失败: %v", err)
			return
		}
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
			log.Warnf("推送 WebSocket 事件失败: %v", err)
		}
	}

	view := service.NewViewState(h.syncService)
	view.OnConversationChange = func(conversation []model.ChatMessage) {
		push("conversation", conversation)
	}
	view.OnSessionListChange = func(sessions []model.ChatSession) {
		push("sessions", sessions)
	}
	view.OnConnectionStatusChange = func(status model.ConnectionStatus) {
		push("status", status)
	}

	// 初始状态：欢迎会话 + 当前会话列表
	push("conversation", view.Conversation())
	push("status", view.Status())
	if err := view.RefreshSessions(c.Request.Context(), tok); err != nil {
		log.Errorf("初始化会话列表失败: %v", err)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			log.Warnf("从 WebSocket 读取消息失败: %v", err)
			break
		}

		var in intent
		if err := json.Unmarshal(message, &in); err != nil {
			push("error", "无法解析的指令")
			continue
		}

		if err := h.dispatch(c, tok, view, in); err != nil {
			log.Errorf("处理用户意图失败: type=%s, error=%v", in.Type, err)
			push("error", "本地镜像存储错误")
		}
	}
}

// dispatch 把一条用户意图交给视图状态控制器。
// 同步层已经消化了所有远程失败，这里收到的 error 只会是镜像错误。
func (h *WSHandler) dispatch(c *gin.Context, tok string, view *service.ViewState, in intent) error {
	ctx := c.Request.Context()
	switch in.Type {
	case "send":
		return view.Send(ctx, tok, in.Content, in.Model, in.Atts, nil, "")
	case "switch":
		return view.Switch(ctx, tok, model.ParseSessionID(in.SessionID))
	case "delete":
		return view.Delete(ctx, tok, model.ParseSessionID(in.SessionID))
	case "search":
		return view.Search(ctx, tok, in.Query)
	case "new":
		view.StartNew()
		return nil
	case "refresh":
		return view.RefreshSessions(ctx, tok)
	default:
		log.Warnf("未知的用户意图: %s", in.Type)
		return nil
	}
}

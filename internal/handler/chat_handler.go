// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/middleware"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/repository"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/service"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
)

// ChatHandler 暴露会话同步器的 REST 接口。
// 远程后端的失败不会以错误形式出现在这里：同步层已把它们
// 折叠成镜像回退结果与连接状态，唯一的 5xx 来源是镜像自身出错。
type ChatHandler struct {
	syncService   service.SyncService
	exportService service.ExportService
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(syncService service.SyncService, exportService service.ExportService) *ChatHandler {
	return &ChatHandler{
		syncService:   syncService,
		exportService: exportService,
	}
}

// ListSessions 返回会话列表；携带 q 参数时执行搜索。
func (h *ChatHandler) ListSessions(c *gin.Context) {
	tok := middleware.BearerToken(c)
	query := c.Query("q")

	if query != "" {
		sessions, err := h.syncService.Search(c.Request.Context(), tok, query)
		if err != nil {
			respondMirrorError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
			"sessions": sessions,
		}})
		return
	}

	sessions, status, err := h.syncService.Sessions(c.Request.Context(), tok)
	if err != nil {
		respondMirrorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"sessions": sessions,
		"status":   status,
	}})
}

// GetSession 加载一个会话的消息记录。
func (h *ChatHandler) GetSession(c *gin.Context) {
	tok := middleware.BearerToken(c)
	id := model.ParseSessionID(c.Param("id"))

	result, err := h.syncService.LoadSession(c.Request.Context(), tok, id)
	if err != nil {
		respondMirrorError(c, err)
		return
	}
	data := gin.H{"messages": result.Messages}
	if result.Status != "" {
		data["status"] = result.Status
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// sendMessageRequest 是 JSON 发送请求的请求体。
type sendMessageRequest struct {
	SessionID   string             `json:"session_id"`
	Content     string             `json:"content"`
	Model       string             `json:"model"`
	Attachments []model.Attachment `json:"attachments"`
}

// SendMessage 处理一次发送：JSON 请求体，或带 image 文件的 multipart 表单。
// session_id 为空表示新会话，由同步层惰性创建。
func (h *ChatHandler) SendMessage(c *gin.Context) {
	tok := middleware.BearerToken(c)

	req := service.SendRequest{}
	if strings.HasPrefix(c.ContentType(), "multipart/form-data") {
		req.Content = c.PostForm("content")
		req.Model = c.PostForm("model")
		req.SessionID = model.ParseSessionID(c.PostForm("session_id"))
		file, err := c.FormFile("image")
		if err == nil {
			f, oerr := file.Open()
			if oerr != nil {
				c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取上传的图片", "data": nil})
				return
			}
			defer f.Close()
			req.Image = f
			req.ImageName = file.Filename
			req.Attachments = []model.Attachment{{
				Type: "image",
				Name: file.Filename,
				Size: file.Size,
			}}
		}
	} else {
		var body sendMessageRequest
		if err := c.ShouldBindJSON(&body); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无效的请求体", "data": nil})
			return
		}
		req.Content = body.Content
		req.Model = body.Model
		req.SessionID = model.ParseSessionID(body.SessionID)
		req.Attachments = body.Attachments
	}

	if req.Content == "" && req.Image == nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "消息内容不能为空", "data": nil})
		return
	}

	result, err := h.syncService.SendMessage(c.Request.Context(), tok, req)
	if err != nil {
		respondMirrorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"session_id": result.SessionID,
		"user":       result.User,
		"assistant":  result.Assistant,
		"session":    result.Session,
		"status":     result.Status,
	}})
}

// DeleteSession 删除一个会话。对不存在的会话同样返回成功（幂等）。
func (h *ChatHandler) DeleteSession(c *gin.Context) {
	tok := middleware.BearerToken(c)
	id := model.ParseSessionID(c.Param("id"))

	status, err := h.syncService.DeleteSession(c.Request.Context(), tok, id)
	if err != nil {
		respondMirrorError(c, err)
		return
	}
	data := gin.H{}
	if status != "" {
		data["status"] = status
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": data})
}

// exportRequest 是导出请求的请求体。
type exportRequest struct {
	Format string `json:"format" binding:"required"`
}

// ExportSession 把一个会话导出为 json/txt/md 文本。
func (h *ChatHandler) ExportSession(c *gin.Context) {
	tok := middleware.BearerToken(c)
	id := model.ParseSessionID(c.Param("id"))

	var body exportRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "缺少导出格式", "data": nil})
		return
	}

	data, err := h.exportService.Export(c.Request.Context(), tok, id, body.Format)
	if err != nil {
		if errors.Is(err, repository.ErrMirror) {
			// 没有可用回退的导出是唯一允许阻断的镜像错误
			c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": err.Error(), "data": nil})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": err.Error(), "data": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": gin.H{
		"success": true,
		"data":    data,
	}})
}

// Statistics 返回聚合使用统计。
func (h *ChatHandler) Statistics(c *gin.Context) {
	tok := middleware.BearerToken(c)

	stats, err := h.syncService.Statistics(c.Request.Context(), tok)
	if err != nil {
		respondMirrorError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": stats})
}

// respondMirrorError 统一处理从同步层上抛的镜像错误。
func respondMirrorError(c *gin.Context, err error) {
	log.Errorf("本地镜像操作失败: %v", err)
	c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "本地镜像存储错误", "data": nil})
}

package handler

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/model"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/storage"
)

// AttachmentHandler 负责处理聊天附件（医学影像、文件）的上传。
// 文件落到对象存储，消息里只携带预签名 URL。
type AttachmentHandler struct{}

// NewAttachmentHandler 创建一个新的 AttachmentHandler。
func NewAttachmentHandler() *AttachmentHandler {
	return &AttachmentHandler{}
}

// Upload 接收 multipart 表单里的 file 字段并上传到对象存储。
func (h *AttachmentHandler) Upload(c *gin.Context) {
	if !storage.Enabled() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"code": http.StatusServiceUnavailable, "message": "附件存储未启用", "data": nil})
		return
	}

	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "请求中缺少文件", "data": nil})
		return
	}

	f, err := file.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"code": http.StatusBadRequest, "message": "无法读取上传的文件", "data": nil})
		return
	}
	defer f.Close()

	contentType := file.Header.Get("Content-Type")
	objectName := fmt.Sprintf("attachments/%d-%s", time.Now().UnixNano(), file.Filename)

	url, err := storage.PutAttachment(c.Request.Context(), config.Conf.MinIO, objectName, contentType, file.Size, f)
	if err != nil {
		log.Errorf("上传附件失败: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"code": http.StatusInternalServerError, "message": "上传附件失败", "data": nil})
		return
	}

	attachment := model.Attachment{
		Type: attachmentType(contentType),
		Name: file.Filename,
		URL:  url,
		Size: file.Size,
	}
	c.JSON(http.StatusOK, gin.H{"code": http.StatusOK, "message": "success", "data": attachment})
}

func attachmentType(contentType string) string {
	if strings.HasPrefix(contentType, "image/") {
		return "image"
	}
	return "file"
}

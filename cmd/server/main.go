// Package main 是应用程序的入口点。
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/komilovmDev/avishifo-v58-sub000/internal/config"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/handler"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/middleware"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/repository"
	"github.com/komilovmDev/avishifo-v58-sub000/internal/service"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/backend"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/database"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/es"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/kafka"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/log"
	"github.com/komilovmDev/avishifo-v58-sub000/pkg/storage"
)

func main() {
	// 1. 初始化配置
	config.Init("./configs/config.yaml")
	cfg := config.Conf

	// 2. 初始化日志记录器
	log.Init(cfg.Log.Level, cfg.Log.Format, cfg.Log.OutputPath)
	defer log.Sync() // 确保在程序退出时刷新所有缓冲的日志条目
	log.Info("日志记录器初始化成功")

	// 3. 初始化可选组件：对象存储、搜索索引、审计事件
	storage.InitMinIO(cfg.MinIO)
	if err := es.InitES(cfg.Elasticsearch); err != nil {
		log.Errorf("es 初始化失败 %s", err)
		return
	}
	kafka.InitProducer(cfg.Kafka)

	// 4. 初始化本地镜像存储（按配置选择适配器）
	mirror, err := buildMirror(cfg)
	if err != nil {
		log.Fatalf("初始化本地镜像失败: %v", err)
	}

	// 5. 初始化 Service (依赖注入)
	remote := backend.NewClient(cfg.Backend, cfg.Chat.Assistant)
	syncService := service.NewSyncService(remote, mirror, cfg.Chat)
	exportService := service.NewExportService(remote, mirror)

	// 6. 设置 Gin 模式并创建路由引擎
	gin.SetMode(cfg.Server.Mode)
	r := gin.New() // 使用 New() 创建一个不带默认中间件的引擎
	// 添加我们自定义的日志中间件和 Gin 的 Recovery 中间件
	r.Use(middleware.RequestLogger(), gin.Recovery())

	// 7. 注册路由
	chatHandler := handler.NewChatHandler(syncService, exportService)
	wsHandler := handler.NewWSHandler(syncService)
	attachmentHandler := handler.NewAttachmentHandler()

	apiV1 := r.Group("/api/v1")
	{
		aiChat := apiV1.Group("/ai-chat")
		aiChat.Use(middleware.BearerPassthrough())
		{
			aiChat.GET("/sessions", chatHandler.ListSessions)
			aiChat.GET("/sessions/:id", chatHandler.GetSession)
			aiChat.DELETE("/sessions/:id", chatHandler.DeleteSession)
			aiChat.POST("/sessions/:id/export", chatHandler.ExportSession)
			aiChat.POST("/messages", chatHandler.SendMessage)
			aiChat.GET("/statistics", chatHandler.Statistics)
			aiChat.POST("/attachments", attachmentHandler.Upload)
			aiChat.GET("/ws", wsHandler.Handle)
		}
	}

	// 启动 HTTP 服务器并实现优雅停机
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: r,
	}

	go func() {
		log.Infof("服务启动于 %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP 服务监听失败: %s\n", err)
		}
	}()

	// 等待中断信号以实现优雅停机
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("接收到停机信号，正在关闭服务...")

	// 设置一个5秒的超时上下文
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// 关闭 HTTP 服务器
	if err := srv.Shutdown(ctx); err != nil {
		log.Fatalf("HTTP 服务器关闭失败: %v", err)
	}

	log.Info("服务已优雅关闭")
}

// buildMirror 根据配置选择镜像适配器：
// file（单实例默认）、redis（多实例共享）、mysql（关系库持久化）。
func buildMirror(cfg config.Config) (repository.MirrorStore, error) {
	switch cfg.Mirror.Driver {
	case "redis":
		database.InitRedis(cfg.Mirror.Redis.Addr, cfg.Mirror.Redis.Password, cfg.Mirror.Redis.DB)
		return repository.NewRedisMirror(database.RDB), nil
	case "mysql":
		database.InitMySQL(cfg.Mirror.MySQL.DSN)
		return repository.NewMySQLMirror(database.DB)
	case "file":
		return repository.NewFileMirror(cfg.Mirror.File.Path)
	default:
		return nil, fmt.Errorf("未知的镜像驱动: %s", cfg.Mirror.Driver)
	}
}

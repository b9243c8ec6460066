package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"settlepay/internal/config"
	"settlepay/internal/handler"
	"settlepay/internal/infrastructure/cache"
	"settlepay/internal/infrastructure/database"
	"settlepay/internal/infrastructure/lock"
	"settlepay/internal/infrastructure/mq"
	"settlepay/internal/job"
	"settlepay/internal/provider"
	"settlepay/internal/provider/nuvei"
	"settlepay/internal/provider/stripe"
	"settlepay/internal/service"
	"settlepay/pkg/idgen"
)

func main() {
	// 加载配置
	cfg, err := config.LoadConfig("config/config.yaml")
	if err != nil {
		log.Fatalf("加载配置失败: %v", err)
	}

	// 初始化 ID 生成器
	idgen.Init(1)

	// 初始化 MySQL
	db, err := database.NewMySQL(&cfg.MySQL)
	if err != nil {
		log.Fatalf("初始化 MySQL 失败: %v", err)
	}

	// 初始化 Redis（分布式锁）
	redisClient, err := cache.NewRedis(&cfg.Redis)
	if err != nil {
		log.Fatalf("初始化 Redis 失败: %v", err)
	}
	locks := lock.NewRedisManager(redisClient)

	// 初始化 Kafka 生产者
	producer, err := mq.NewProducer(&cfg.Kafka)
	if err != nil {
		log.Fatalf("初始化 Kafka 失败: %v", err)
	}
	defer producer.Close()

	// 组装渠道适配器，结算单创建时选定渠道后固定不变
	registry := provider.NewRegistry(
		stripe.New(stripe.Config{
			SecretKey:      cfg.Providers.Stripe.SecretKey,
			WebhookSecret:  cfg.Providers.Stripe.WebhookSecret,
			BaseURL:        cfg.Providers.Stripe.BaseURL,
			TimeoutSeconds: cfg.Providers.Stripe.TimeoutSeconds,
			ManualCapture:  cfg.Providers.Stripe.ManualCapture,
		}),
		nuvei.New(nuvei.Config{
			MerchantID:     cfg.Providers.Nuvei.MerchantID,
			SecretKey:      cfg.Providers.Nuvei.SecretKey,
			WebhookSecret:  cfg.Providers.Nuvei.WebhookSecret,
			BaseURL:        cfg.Providers.Nuvei.BaseURL,
			TimeoutSeconds: cfg.Providers.Nuvei.TimeoutSeconds,
		}),
	)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 启动后台任务
	settlement := service.NewSettlementService(db, locks, registry, cfg)
	webhook := service.NewWebhookService(db, registry, settlement)

	outboxSender := job.NewOutboxSender(db, producer, cfg)
	go outboxSender.Start(ctx)

	pollJob := job.NewSettlementPollJob(db, registry, settlement, webhook, cfg)
	go pollJob.Start(ctx)

	// 设置路由
	router := handler.SetupRouter(db, locks, registry, cfg)

	// 启动 HTTP 服务
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Printf("服务启动，监听端口: %d", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("服务启动失败: %v", err)
		}
	}()

	// 等待中断信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("正在关闭服务...")

	// 取消上下文，停止后台任务
	cancel()

	// 关闭 HTTP 服务（等待最多5秒）
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("服务关闭异常: %v", err)
	}

	log.Println("服务已关闭")
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Privnode-HQ/zelo-refund/internal/config"
	"github.com/Privnode-HQ/zelo-refund/internal/epay"
	"github.com/Privnode-HQ/zelo-refund/internal/handler"
	"github.com/Privnode-HQ/zelo-refund/internal/infrastructure/cache"
	"github.com/Privnode-HQ/zelo-refund/internal/infrastructure/database"
	"github.com/Privnode-HQ/zelo-refund/internal/infrastructure/mq"
	"github.com/Privnode-HQ/zelo-refund/internal/job"
	"github.com/Privnode-HQ/zelo-refund/internal/logger"
	"github.com/Privnode-HQ/zelo-refund/internal/repository"
	"github.com/Privnode-HQ/zelo-refund/internal/service"
	"github.com/Privnode-HQ/zelo-refund/internal/stripe"
	"github.com/Privnode-HQ/zelo-refund/internal/supabase"
	"github.com/Privnode-HQ/zelo-refund/pkg/idgen"
)

func main() {
	cfg := config.LoadConfig("config/config.yaml")

	if err := logger.Init(cfg.Server.Mode); err != nil {
		fmt.Fprintf(os.Stderr, "初始化日志失败: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	idgen.Init(1)

	db := database.InitMySQL(&cfg.MySQL)
	redisClient := cache.InitRedis(&cfg.Redis)
	mq.InitKafka(&cfg.Kafka)
	defer mq.CloseKafka()

	// 外部依赖：审计库、卡渠道、聚合支付
	audit := supabase.New(&cfg.Supabase)
	card := stripe.New(&cfg.Stripe)
	agg, err := epay.New(&cfg.Epay)
	if err != nil {
		logger.S().Fatalf("初始化聚合支付客户端失败: %v", err)
	}

	users := repository.NewUserRepository(db)
	topups := repository.NewTopUpRepository(db)
	outbox := repository.NewOutboxRepository(db)

	quotes := service.NewQuoteService(users, topups, audit, card)
	refunds := service.NewRefundService(db, redisClient, cfg, users, topups, audit, card, agg, outbox, quotes)
	estimates := service.NewEstimateService(users, topups, audit, card, redisClient, cfg.Refund.EstimateWorkers)
	queries := service.NewQueryService(users, topups, audit)
	activity := service.NewActivityService(audit)

	h := handler.NewHandler(quotes, refunds, estimates, queries, activity)
	router := handler.SetupRouter(h, cfg, audit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	outboxSender := job.NewOutboxSender(db, cfg)
	go outboxSender.Start(ctx)

	watchdog := job.NewPendingWatchdog(audit, cfg.Refund.StalePendingMinutes)
	go watchdog.Start(ctx)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		logger.S().Infow("server_started", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.S().Fatalf("服务启动失败: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.S().Info("正在关闭服务...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.S().Errorw("server_shutdown_error", "error", err)
	}
	logger.S().Info("服务已关闭")
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/crm"
	"github.com/langchou/fleetalert/internal/api/handlers"
	"github.com/langchou/fleetalert/internal/browser"
	"github.com/langchou/fleetalert/internal/config"
	"github.com/langchou/fleetalert/internal/gui"
	"github.com/langchou/fleetalert/internal/models"
	"github.com/langchou/fleetalert/internal/pointer"
	"github.com/langchou/fleetalert/internal/repository"
	"github.com/langchou/fleetalert/internal/state"
	"github.com/langchou/fleetalert/internal/worker"
	"github.com/langchou/fleetalert/pkg/ws"
)

// 告警历史保留时长
const historyRetention = 30 * 24 * time.Hour

func main() {
	// 加载配置
	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// 初始化日志
	logger := initLogger(cfg.Debug)
	defer logger.Sync()

	logger.Info("Starting fleetalert", zap.String("addr", cfg.GUIAddr))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 账号文件
	accounts := account.NewStore(cfg.AccountFile)
	if _, err := accounts.Load(); err != nil {
		logger.Warn("Failed to load account file, using defaults",
			zap.String("file", cfg.AccountFile),
			zap.String("backup", accounts.BackupPath()),
			zap.Error(err))
	}

	// 告警历史（可选）
	var (
		history  worker.AlertRecorder
		listing  handlers.AlertHistory
		pruneJob *cron.Cron
	)
	if cfg.DatabaseURL != "" {
		db, err := repository.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("Failed to connect database", zap.Error(err))
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			logger.Fatal("Failed to migrate database", zap.Error(err))
		}
		logger.Info("Database migrated successfully")

		alertRepo := repository.NewAlertRepository(db)
		history = alertRepo
		listing = alertRepo
		pruneJob = startPruneJob(alertRepo, logger)
	} else {
		logger.Info("DATABASE_URL not set, alert history disabled")
	}

	// WebSocket Hub 与界面桥
	wsHub := ws.NewHub(logger)
	go wsHub.Run()
	bridge := gui.NewBridge(wsHub, logger.Named("gui"))

	// worker 状态变化推送到界面
	states := state.NewManager(func(name, from, to string) {
		bridge.WorkerStateChanged(state.WorkerState{Worker: name, State: to, Since: time.Now()})
	})

	// 浏览器会话
	session := browser.NewSession(browser.Config{
		ControlURL:        cfg.BrowserControlURL,
		Bin:               cfg.BrowserBin,
		Headless:          cfg.BrowserHeadless,
		UserDataDir:       cfg.UserDataDir,
		DownloadDir:       cfg.DownloadDir,
		NavigationTimeout: cfg.NavigationTimeout,
		BlockedURLs:       cfg.BlockedURLs,
	}, logger.Named("browser"))

	flow := pointer.NewFlow(
		pointer.NewRodDriver(session, worker.PagePointer, pointer.DefaultSelectors()),
		logger.Named("pointer"),
		nil,
	)

	// workers
	dataWorker := worker.NewDataWorker(cfg, session, flow, accounts, bridge,
		states.GetOrCreate("data", state.KindData), logger.Named("data"))

	automation := worker.NewAutomationWorker(cfg.PollInterval, dataWorker, accounts, bridge, history,
		worker.NewEngineFactory(cfg, logger), states.GetOrCreate("automation", state.KindAutomation), logger.Named("automation"))

	notifications := worker.NewNotificationWorker(
		worker.NotificationConfig{
			MaxAge:   cfg.NotificationMaxAge,
			Keywords: cfg.BatteryKeywords,
			Icons: map[models.Backend]string{
				models.BackendGoto:    cfg.GotoIcon,
				models.BackendAutotel: cfg.AutotelIcon,
			},
		},
		map[models.Backend]*crm.Client{
			models.BackendGoto:    crm.NewClient(cfg.GotoCRMURL),
			models.BackendAutotel: crm.NewClient(cfg.AutotelCRMURL),
		},
		dataWorker,
		automation.ShowToast,
		states.GetOrCreate("notification", state.KindNotification),
		logger.Named("notification"),
	)
	dataWorker.OnNotification(notifications.Enqueue)

	// 客户端也可以通过 WebSocket 提交验证码或触发轮询
	wsHub.SetMessageHandler(func(msgType string, data json.RawMessage) {
		switch msgType {
		case ws.MsgTypeSubmitOTP:
			var code string
			if err := json.Unmarshal(data, &code); err != nil {
				logger.Debug("Invalid OTP message", zap.Error(err))
				return
			}
			dataWorker.SubmitOTP(code)
			bridge.OTPSubmitted()
		case ws.MsgTypePoll:
			automation.Wake()
		case ws.MsgTypeOpenURL:
			var url string
			if err := json.Unmarshal(data, &url); err == nil && url != "" {
				if err := dataWorker.OpenURL(url); err != nil {
					logger.Warn("Failed to queue open url", zap.Error(err))
				}
			}
		}
	})
	wsHub.SetInitDataProvider(func() *ws.InitData {
		return bridge.InitData(states.GetAllStates(), accounts.Get())
	})

	// 启动 workers
	if err := dataWorker.Start(ctx); err != nil {
		logger.Error("Failed to start data worker", zap.Error(err))
		bridge.ShowToast(browserUnavailable())
	}
	notifications.Start(ctx)
	automation.Start(ctx)

	// 设置 Gin 模式
	if !cfg.Debug {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := handlers.NewHandler(logger.Named("http"), accounts, dataWorker, automation, listing, states, bridge, wsHub)
	handler.RegisterRoutes(router)

	server := &http.Server{
		Addr:    cfg.GUIAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Server started", zap.String("addr", server.Addr))

	// 等待退出信号
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down...")

	// 立即中断进行中的请求、重试与跨 worker 等待
	cancel()

	// 先停告警，再停通知，最后关闭浏览器
	automation.Stop()
	notifications.Stop()
	dataWorker.Stop()
	if pruneJob != nil {
		<-pruneJob.Stop().Done()
	}

	if err := accounts.Save(); err != nil {
		logger.Error("Failed to save account", zap.Error(err))
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", zap.Error(err))
	}
	wsHub.Stop()

	logger.Info("Server exited")
}

// initLogger 初始化日志
func initLogger(debug bool) *zap.Logger {
	var config zap.Config
	if debug {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		config = zap.NewProductionConfig()
	}

	logger, _ := config.Build()
	return logger
}

// corsMiddleware CORS 中间件
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// startPruneJob 每天清理过期告警历史
func startPruneJob(repo *repository.AlertRepository, logger *zap.Logger) *cron.Cron {
	c := cron.New()
	c.AddFunc("@daily", func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := repo.DeleteBefore(ctx, time.Now().Add(-historyRetention))
		if err != nil {
			logger.Warn("Failed to prune alert history", zap.Error(err))
			return
		}
		logger.Info("Pruned alert history", zap.Int64("rows", n))
	})
	c.Start()
	return c
}

func browserUnavailable() alerts.Toast {
	return alerts.Toast{
		Title:   "Browser automation unavailable",
		Message: "The browser could not be started. Restart the application to resume alerts.",
		Kind:    models.KindSystem,
	}
}

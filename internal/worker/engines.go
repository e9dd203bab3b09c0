package worker

import (
	"go.uber.org/zap"

	"github.com/langchou/fleetalert/internal/account"
	"github.com/langchou/fleetalert/internal/alerts"
	"github.com/langchou/fleetalert/internal/api/gototech"
	"github.com/langchou/fleetalert/internal/config"
	"github.com/langchou/fleetalert/internal/retry"
)

// EngineFactory 按账号开关创建启用的告警引擎
type EngineFactory func(acc account.Account, sink alerts.Sink) []alerts.Engine

// NewEngineFactory 用配置中的后台地址与告警规则创建引擎
func NewEngineFactory(cfg *config.Config, logger *zap.Logger) EngineFactory {
	gotoClient := gototech.NewClient(cfg.GotoAPIURL)
	autotelClient := gototech.NewClient(cfg.AutotelAPIURL)
	policy := retry.Policy{Attempts: cfg.RetryAttempts, Delay: cfg.RetryDelay}
	loc := cfg.Location()

	return func(acc account.Account, sink alerts.Sink) []alerts.Engine {
		tokens := alerts.NewTokens(sink.RequestToken)
		gotoOpts := alerts.Options{
			Client:   gotoClient,
			Tokens:   tokens,
			Sink:     sink,
			Policy:   policy,
			Logger:   logger.Named("late_alert"),
			BOURL:    cfg.GotoBOURL,
			Location: loc,
			Icon:     cfg.GotoIcon,
		}
		autotelOpts := gotoOpts
		autotelOpts.Client = autotelClient
		autotelOpts.BOURL = cfg.AutotelBOURL
		autotelOpts.Icon = cfg.AutotelIcon

		var engines []alerts.Engine
		if acc.LateRides {
			engines = append(engines, alerts.NewLateAlert(gotoOpts, cfg.LateNotifyWindow, cfg.LateRepeatWindow))
		}
		if acc.Batteries {
			opts := autotelOpts
			opts.Logger = logger.Named("batteries_alert")
			engines = append(engines, alerts.NewBatteriesAlert(opts, alerts.BatteryRule{
				Threshold: cfg.BatteryThreshold,
				Category:  cfg.BatteryCategory,
				HomeArea:  cfg.HomeArea,
				Keywords:  cfg.BatteryKeywords,
			}))
		}
		if acc.LongRides {
			opts := autotelOpts
			opts.Logger = logger.Named("long_rides")
			engines = append(engines, alerts.NewLongRides(opts, cfg.LongRideThreshold))
		}
		return engines
	}
}

package container

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"mirror-trader/config"
	"mirror-trader/gateway"
	"mirror-trader/infrastructure/alert"
	"mirror-trader/infrastructure/logger"
	"mirror-trader/infrastructure/monitor"
	internalconfig "mirror-trader/internal/config"
	"mirror-trader/internal/risk"
	"mirror-trader/internal/store"
	mirrorhttp "mirror-trader/internal/transport/http"
	"mirror-trader/order"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager
	obs     *observer

	// 经纪商
	client   *gateway.BrokerageClient
	registry *risk.Registry
	conn     *risk.ConnectionMonitor
	streams  []*gateway.TradeStream

	// 订单
	submitter *order.Submitter
	tracker   *order.Tracker
	ledger    *store.Ledger

	api      *mirrorhttp.Server
	reloader *internalconfig.HotReloader

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 创建新的Container实例
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	return NewWithConfig(cfg, configPath), nil
}

// NewWithConfig 使用已加载的配置；configPath 为空时不启用热更新。
func NewWithConfig(cfg config.AppConfig, configPath string) *Container {
	return &Container{
		cfg:        &cfg,
		configPath: configPath,
		lifecycle:  NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildGateway(); err != nil {
		return fmt.Errorf("build gateway failed: %w", err)
	}

	if err := c.buildCoreServices(); err != nil {
		return fmt.Errorf("build core services failed: %w", err)
	}

	if err := c.registerLifecycleComponents(); err != nil {
		return fmt.Errorf("register components failed: %w", err)
	}
	c.logger.Info("container built successfully", zap.String("env", c.cfg.Env))
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	if c.logger == nil {
		c.logger, err = logger.New(c.cfg.Log)
		if err != nil {
			return fmt.Errorf("create logger failed: %w", err)
		}
	}

	c.monitor = monitor.New(monitor.DefaultConfig())

	channels := []alert.Channel{alert.NewLoggerChannel("log", c.logger.Logger)}
	if c.cfg.Alerts.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookChannel("webhook", c.cfg.Alerts.WebhookURL, nil, c.cfg.RetryPolicy()))
	}
	c.alerts = alert.NewManager(channels, c.cfg.Alerts.Throttle)

	c.registry = risk.NewRegistry(c.cfg.BreakerConfig())
	c.tracker = order.NewTracker(c.cfg.Orders.TrackerLimit)
	c.obs = &observer{
		logger:   c.logger,
		monitor:  c.monitor,
		alerts:   c.alerts,
		registry: c.registry,
		tracker:  c.tracker,
		async:    true,
	}
	c.registry.OnStateChange(c.obs.breakerChanged)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildGateway() error {
	accounts := c.cfg.Accounts()
	client, err := gateway.NewBrokerageClient(gateway.BrokerageConfig{
		Accounts:      accounts,
		HTTPClient:    &http.Client{Timeout: c.cfg.Brokerage.Timeout},
		Policy:        c.cfg.RetryPolicy(),
		RatePerSecond: c.cfg.Brokerage.RatePerSecond,
		Burst:         c.cfg.Brokerage.Burst,
		Observer:      c.obs,
	})
	if err != nil {
		return err
	}
	c.client = client

	c.conn = risk.NewConnectionMonitor(c.registry, risk.MonitorConfig{
		Interval: c.cfg.HealthCheck.Interval,
		Timeout:  c.cfg.HealthCheck.Timeout,
	})
	c.conn.AddProbe(risk.DependencyBrokerage, client, client.Modes()...)
	c.conn.SetResultCallback(c.obs.healthChecked)

	for _, mode := range client.Modes() {
		acct := accounts[mode]
		if acct.StreamURL == "" {
			continue
		}
		s := gateway.NewTradeStream(mode, acct, c.cfg.RetryPolicy())
		c.obs.tradeStreamHooks(s)
		c.streams = append(c.streams, s)
	}

	c.logger.Info("gateway built", zap.Int("accounts", len(accounts)), zap.Int("streams", len(c.streams)))
	return nil
}

func (c *Container) buildCoreServices() error {
	c.submitter = order.NewSubmitter(c.client, c.registry, order.SubmitterConfig{
		Concurrency:  c.cfg.Orders.Concurrency,
		MaxBatchSize: c.cfg.Orders.MaxBatchSize,
	})
	c.submitter.SetObserver(c.obs)
	c.submitter.SetTracker(c.tracker)

	if c.cfg.Ledger.Path != "" {
		ledger, err := store.OpenLedger(c.cfg.Ledger.Path, c.cfg.Ledger.MaxRecords)
		if err != nil {
			return err
		}
		c.ledger = ledger
		c.submitter.SetLedger(ledger)
		c.submitter.OnLedgerError = func(batchID string, err error) {
			c.logger.LogError(err, map[string]interface{}{"action": "ledger_put", "batchId": batchID})
		}
	}

	if c.cfg.HTTP.Addr != "" {
		scfg := mirrorhttp.ServerConfig{
			Addr:        c.cfg.HTTP.Addr,
			Submitter:   c.submitter,
			Connections: c.conn,
			Orders:      c.tracker,
			Logger:      c.logger.Logger,
		}
		if c.ledger != nil {
			scfg.Batches = c.ledger
		}
		api, err := mirrorhttp.NewServer(scfg)
		if err != nil {
			return err
		}
		c.api = api
	}

	c.logger.Info("core services built")
	return nil
}

func (c *Container) registerLifecycleComponents() error {
	if c.cfg.Metrics.Addr != "" {
		c.lifecycle.Register(&httpServerComponent{
			name:    "metrics_server",
			handler: c.monitor.Handler(),
			addr:    c.cfg.Metrics.Addr,
			logger:  c.logger,
		})
	}

	c.lifecycle.Register(&funcComponent{
		name:  "connection_monitor",
		start: c.conn.Start,
		stop:  c.conn.Stop,
	})

	for _, s := range c.streams {
		c.lifecycle.Register(&runComponent{
			name:   "trade_stream_" + string(s.Mode),
			run:    s.Run,
			logger: c.logger,
		})
	}

	if c.api != nil {
		c.lifecycle.Register(&runComponent{
			name:   "api_server",
			run:    c.api.Start,
			logger: c.logger,
		})
	}

	if c.configPath != "" && c.cfg.HotReload.Enabled {
		reloader, err := internalconfig.NewHotReloader(c.configPath, internalconfig.HotReloadConfig{
			Enabled:      true,
			CooldownTime: c.cfg.HotReload.Cooldown,
		}, c.logger.Logger)
		if err != nil {
			return err
		}
		reloader.RegisterApplier("retry", internalconfig.ApplyRetryPolicy(c.client))
		reloader.RegisterApplier("circuitBreaker", internalconfig.ApplyBreakerConfig(c.registry))
		c.reloader = reloader
		c.lifecycle.Register(&funcComponent{
			name:  "config_reloader",
			start: reloader.Start,
			stop:  reloader.Stop,
		})
	}
	return nil
}

// Start 启动所有组件
func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

// Stop 逆序停止组件并关闭台账。进行中的批次由调用方的 ctx 负责取消。
func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	if c.ledger != nil {
		if cerr := c.ledger.Close(); cerr != nil {
			c.logger.LogError(cerr, map[string]interface{}{"action": "close_ledger"})
		}
	}
	if c.logger != nil {
		c.logger.Close()
	}
	return err
}

// HealthCheck 检查组件健康状态
func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 当前配置
func (c *Container) Config() config.AppConfig { return *c.cfg }

// Logger 返回日志器
func (c *Container) Logger() *logger.Logger { return c.logger }

// Monitor 返回指标收集器
func (c *Container) Monitor() *monitor.Monitor { return c.monitor }

// Client 返回经纪商客户端
func (c *Container) Client() *gateway.BrokerageClient { return c.client }

// Registry 返回熔断器表
func (c *Container) Registry() *risk.Registry { return c.registry }

// Connections 返回连接监控
func (c *Container) Connections() *risk.ConnectionMonitor { return c.conn }

// Submitter 返回批量下单器
func (c *Container) Submitter() *order.Submitter { return c.submitter }

// Tracker 返回订单跟踪器
func (c *Container) Tracker() *order.Tracker { return c.tracker }

// Ledger 返回批次台账，未启用时为 nil
func (c *Container) Ledger() *store.Ledger { return c.ledger }

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/shopspring/decimal"

	"github.com/songzhibin97/quantaguard/internal/ai"
	"github.com/songzhibin97/quantaguard/internal/ai/openai"
	"github.com/songzhibin97/quantaguard/internal/api"
	"github.com/songzhibin97/quantaguard/internal/configs"
	"github.com/songzhibin97/quantaguard/internal/data"
	"github.com/songzhibin97/quantaguard/internal/data/collector"
	"github.com/songzhibin97/quantaguard/internal/data/collector/binance"
	"github.com/songzhibin97/quantaguard/internal/data/storage"
	"github.com/songzhibin97/quantaguard/internal/logger"
	"github.com/songzhibin97/quantaguard/internal/metrics"
	"github.com/songzhibin97/quantaguard/internal/models"
	"github.com/songzhibin97/quantaguard/internal/notification"
	"github.com/songzhibin97/quantaguard/internal/portfolio"
	"github.com/songzhibin97/quantaguard/internal/risk"
	"github.com/songzhibin97/quantaguard/internal/security"
	"github.com/songzhibin97/quantaguard/internal/strategy"
	"github.com/songzhibin97/quantaguard/internal/trading"
	binanceTrading "github.com/songzhibin97/quantaguard/internal/trading/binance"
	"github.com/songzhibin97/quantaguard/internal/trading/paper"
)

var flagconf string

func init() {
	flag.StringVar(&flagconf, "conf", "configs/config.yaml", "config path, eg: -conf config.yaml")
}

func main() {
	flag.Parse()

	// 加载配置
	cfg, err := configs.Load(flagconf)
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	level, _ := logger.ParseLevel(cfg.Log.Level)
	log := logger.Init(cfg.Log.Service, level)

	if cfg.Proxy != "" {
		_ = os.Setenv("HTTP_PROXY", cfg.Proxy)
		_ = os.Setenv("HTTPS_PROXY", cfg.Proxy)
		log.Debug("set proxy ok", "proxy", cfg.Proxy)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("controller exited", "err", err)
		os.Exit(1)
	}
	log.Info("controller stopped")
}

// system holds the assembled components.
type system struct {
	cfg     *configs.Config
	log     *slog.Logger
	metrics *metrics.Metrics
	bus     *security.Bus
	hub     *api.Hub
	journal data.Journal
	engine  *risk.Engine
	coord   *portfolio.Coordinator
	server  *http.Server
	closers []func() error
}

func run(ctx context.Context, cfg *configs.Config, log *slog.Logger) error {
	s, err := build(cfg, log)
	if err != nil {
		return err
	}
	defer s.close()

	var wg sync.WaitGroup
	busCtx, cancelBus := context.WithCancel(context.Background())
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.bus.Run(busCtx)
	}()

	coordCtx, cancelCoord := context.WithCancel(ctx)
	coordDone := make(chan error, 1)
	go func() { coordDone <- s.coord.Run(coordCtx) }()

	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", "addr", cfg.Server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if err := s.coord.Start(ctx); err != nil {
		log.Error("start portfolio", "err", err)
	}

	var runErr error
	select {
	case <-ctx.Done():
	case err, ok := <-serveErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
		}
	}

	stopTimeout := configs.ParseDuration(cfg.Portfolio.StopTimeout, 30*time.Second)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), stopTimeout+5*time.Second)
	defer cancel()

	s.hub.Close()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", "err", err)
	}
	if err := s.coord.Stop(shutdownCtx); err != nil && !errors.Is(err, portfolio.ErrInvalidState) {
		log.Warn("stop portfolio", "err", err)
	}
	cancelCoord()
	if err := <-coordDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("portfolio run", "err", err)
	}

	// 事件总线最后退出，保证停止过程中的事件被处理
	cancelBus()
	wg.Wait()
	return runErr
}

func build(cfg *configs.Config, log *slog.Logger) (*system, error) {
	s := &system{cfg: cfg, log: log}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	s.metrics = metrics.New(reg)

	journal, err := openJournal(cfg.Database)
	if err != nil {
		return nil, err
	}
	s.journal = journal
	if journal != nil {
		s.closers = append(s.closers, journal.Close)
	}

	s.hub = api.NewHub(log)
	handlers, err := s.eventHandlers()
	if err != nil {
		s.close()
		return nil, err
	}
	s.bus = security.NewBus(cfg.Server.EventBuffer, cfg.Server.RecentEvents, log, handlers...)
	s.bus.SetCounter(s.metrics)

	quotes := cfg.Exchange.QuoteAssets
	s.engine, err = risk.NewEngine(cfg.RiskLimits, risk.Options{
		Capital:     cfg.Portfolio.Capital,
		QuoteAssets: quotes,
		Sink:        s.bus,
		Recorder:    s.metrics,
		Logger:      log,
	})
	if err != nil {
		s.close()
		return nil, fmt.Errorf("risk engine: %w", err)
	}

	p := cfg.Portfolio
	opts := portfolio.Options{
		MonitorInterval:    configs.ParseDuration(p.MonitorInterval, 0),
		EmergencyInterval:  configs.ParseDuration(p.EmergencyInterval, 0),
		StopTimeout:        configs.ParseDuration(p.StopTimeout, 0),
		RebalanceThreshold: p.RebalanceThreshold,
		EmergencyDrawdown:  p.EmergencyDrawdown,
		DisableScore:       p.DisableScore,
		Frequency: security.NewFrequencyMonitor(
			configs.ParseDuration(p.FrequencyWindow, 5*time.Minute), p.FrequencyThreshold, s.bus),
		Sink:     s.bus,
		Journal:  journal,
		Recorder: s.metrics,
		Logger:   log,
	}
	s.coord = portfolio.New(s.engine, opts)

	if err := s.registerStrategies(); err != nil {
		s.close()
		return nil, err
	}

	srv := api.NewServer(s.coord, s.engine, s.bus, api.Options{
		ExposeErrors: cfg.Server.ExposeErrors,
		OTPSecret:    cfg.Server.OTPSecret,
		Metrics:      s.metrics.Handler(),
		Hub:          s.hub,
		Logger:       log,
	})
	s.server = &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.OTPSecret == "" {
		log.Warn("OTP secret not set, mutating endpoints are unauthenticated")
	}
	return s, nil
}

func openJournal(db configs.Database) (data.Journal, error) {
	switch db.Driver {
	case "postgres":
		j, err := storage.NewPostgresStorage(db.ConnStr)
		if err != nil {
			return nil, fmt.Errorf("open postgres journal: %w", err)
		}
		return j, nil
	case "sqlite":
		j, err := storage.NewSQLiteStorage(db.ConnStr)
		if err != nil {
			return nil, fmt.Errorf("open sqlite journal: %w", err)
		}
		return j, nil
	}
	return nil, nil
}

// eventHandlers builds the bus subscribers: journal, websocket hub and notifiers.
func (s *system) eventHandlers() ([]security.Handler, error) {
	n := s.cfg.Notification
	handlers := []security.Handler{
		s.hub,
		notification.Handler("log", notification.NewLogNotifier(s.log), n.MinSeverity),
	}
	if s.journal != nil {
		handlers = append(handlers, storage.EventHandler(s.journal, 5*time.Second))
	}
	if n.Telegram.Token != "" {
		tg, err := notification.NewTelegramNotifier(n.Telegram.Token, n.Telegram.ChatID)
		if err != nil {
			return nil, fmt.Errorf("telegram notifier: %w", err)
		}
		handlers = append(handlers, notification.Handler("telegram", tg, n.MinSeverity))
	}
	if n.Webhook.URL != "" {
		handlers = append(handlers, notification.Handler("webhook",
			notification.NewWebhookNotifier(n.Webhook.URL, n.Webhook.Headers), n.MinSeverity))
	}
	if n.Redis.Addr != "" {
		client := goredis.NewClient(&goredis.Options{
			Addr:     n.Redis.Addr,
			Password: n.Redis.Password,
			DB:       n.Redis.DB,
		})
		s.closers = append(s.closers, client.Close)
		// redis 订阅者自行过滤，全部事件都发布
		handlers = append(handlers, notification.Handler("redis",
			notification.NewRedisPublisher(client, n.Redis.Channel), models.SeverityLow))
	}
	return handlers, nil
}

func (s *system) gateway() trading.Gateway {
	ex := s.cfg.Exchange
	if ex.Kind == "binance" {
		return binanceTrading.NewGateway(ex.APIKey, ex.SecretKey, ex.Testnet, ex.SlippageBps, ex.QuoteAssets)
	}
	source := collector.NewMultiSourceCollector([]data.MarketDataSource{
		binance.NewBinanceDataSource(ex.MarketDataURL),
	}, configs.ParseDuration(ex.CacheTTL, 5*time.Second), s.log.With("component", "collector"))
	balances := make(map[string]decimal.Decimal, len(ex.PaperBalances))
	for asset, amount := range ex.PaperBalances {
		balances[asset] = decimal.NewFromFloat(amount)
	}
	return paper.NewGateway(source, balances, ex.SlippageBps, ex.QuoteAssets, s.log)
}

func (s *system) registerStrategies() error {
	gw := s.gateway()

	var confirmer ai.Confirmer
	if s.cfg.AIConfig.Enabled {
		confirmer = openai.NewConfirmer(s.cfg.AIConfig.APIKey, s.cfg.AIConfig.ModelType, s.cfg.AIConfig.BaseURL)
	}

	for _, sc := range s.cfg.Strategies {
		deps := strategy.Deps{
			Gateway:  gw,
			Admitter: s.engine,
			Prices:   s.engine,
			Reports:  s.coord.Reports(),
			Logger:   s.log,
		}
		if sc.AIConfirm && confirmer != nil {
			deps.Confirmer = confirmer
		}
		unit, err := strategy.New(sc.Kind, sc.UnitConfig(s.cfg.Portfolio.QuoteAsset, s.cfg.AIConfig.MinConfidence),
			strategy.Params(sc.Params), deps)
		if err != nil {
			return fmt.Errorf("strategy %s: %w", sc.Name, err)
		}
		if err := s.coord.Register(unit, portfolio.Allocation{
			Allocation:      sc.Allocation,
			RiskLevel:       sc.RiskLevel,
			MaxPositionSize: sc.MaxPositionSize,
			Enabled:         sc.Enabled,
		}); err != nil {
			return fmt.Errorf("register %s: %w", sc.Name, err)
		}
		s.log.Info("strategy registered", "strategy", sc.Name, "kind", sc.Kind,
			"allocation", sc.Allocation, "enabled", sc.Enabled)
	}
	return nil
}

func (s *system) close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("close", "err", err)
		}
	}
}

package cli

import (
	"errors"
	"fmt"
	"time"

	"github.com/ChuLiYu/farewatch/internal/alert"
	"github.com/ChuLiYu/farewatch/internal/clock"
	"github.com/ChuLiYu/farewatch/internal/controller"
	"github.com/ChuLiYu/farewatch/internal/fetch"
	"github.com/ChuLiYu/farewatch/internal/kvstore"
	"github.com/ChuLiYu/farewatch/internal/metrics"
	"github.com/ChuLiYu/farewatch/internal/queue"
	"github.com/ChuLiYu/farewatch/internal/sites"
	"github.com/ChuLiYu/farewatch/internal/worker"
)

// app 由配置組裝出的所有組件
type app struct {
	cfg     *Config
	kv      kvstore.Store
	sites   *sites.Registry
	metrics *metrics.Collector
	queue   *queue.Queue
	ctrl    *controller.Controller
}

// openStore 依配置開啟鍵值儲存
func openStore(cfg *Config) (kvstore.Store, error) {
	switch cfg.Store.Backend {
	case BackendFile:
		return kvstore.OpenFile(kvstore.FileOptions{
			Dir:          cfg.Store.Dir,
			CompactEvery: cfg.Store.CompactEvery,
		})
	case BackendRedis:
		r := cfg.Store.Redis
		return kvstore.NewRedisStore(kvstore.RedisConfig{
			Address:  r.Address,
			Password: r.Password,
			DB:       r.DB,
			Prefix:   r.Prefix,
			Timeout:  r.Timeout,
		})
	case BackendMemory:
		return kvstore.NewMemory(), nil
	}
	return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}

// buildFetcher 依配置建立票價來源
func buildFetcher(cfg *Config, registry *sites.Registry) worker.Fetcher {
	if cfg.Fetch.Mode == FetchHTTP {
		return fetch.NewHTTPFetcher(registry, fetch.HTTPOptions{
			Timeout: cfg.Fetch.Timeout,
			Retries: cfg.Fetch.Retries,
			Backoff: cfg.Fetch.Backoff,
		})
	}
	sim := cfg.Fetch.Simulated
	return fetch.NewSimulated(fetch.SimulatedOptions{
		MaxDelay:    sim.MaxDelay,
		FailureRate: sim.FailureRate,
		BasePrice:   sim.BasePrice,
	})
}

// buildChannel SMTP 設定完整時寄信，否則只寫日誌；測試可替換
var buildChannel = func(cfg *Config) alert.Channel {
	if cfg.Alert.SMTP.Configured() {
		return alert.NewSMTPChannel(cfg.Alert.SMTP)
	}
	return alert.LogChannel{}
}

// newApp 組裝所有組件；collector 可為 nil
func newApp(cfg *Config, collector *metrics.Collector, clk clock.Clock) (*app, error) {
	registry, err := sites.NewRegistry(cfg.Sites)
	if err != nil {
		return nil, fmt.Errorf("invalid sites: %w", err)
	}

	start := time.Now()
	kv, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	collector.SetRecoveryTime(time.Since(start).Seconds())

	q := queue.New(queue.Config{
		Workers:          cfg.Queue.Workers,
		TaskTimeout:      cfg.Queue.TaskTimeout,
		MaxRetry:         cfg.Queue.MaxRetry,
		DispatchInterval: cfg.Queue.DispatchInterval,
		BufferSize:       cfg.Queue.BufferSize,
		Clock:            clk,
	}, buildFetcher(cfg, registry), collector)

	ctrl := controller.New(kv, q, registry, controller.Options{
		Gap:            cfg.Search.Gap,
		RepeatInterval: cfg.Search.RepeatInterval,
		AlertDelay:     cfg.Alert.Delay,
		Clock:          clk,
		Channel:        buildChannel(cfg),
		Metrics:        collector,
	})

	return &app{
		cfg:     cfg,
		kv:      kv,
		sites:   registry,
		metrics: collector,
		queue:   q,
		ctrl:    ctrl,
	}, nil
}

// Close 停止佇列並關閉儲存
func (a *app) Close() error {
	a.ctrl.Shutdown()
	if err := a.kv.Close(); err != nil && !errors.Is(err, kvstore.ErrClosed) {
		return fmt.Errorf("failed to close store: %w", err)
	}
	return nil
}

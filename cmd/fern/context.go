package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/events"
	"github.com/Ramsey-B/fern/pkg/kafka"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// commandContext lazily builds the shared dependencies of a command and
// closes whatever was built when the command returns
type commandContext struct {
	configOnce sync.Once
	config     *config.Config
	configErr  error

	logger  ectologger.Logger
	zap     *zap.Logger
	closers []func(context.Context)
}

func newCommandContext() *commandContext {
	return &commandContext{}
}

func (c *commandContext) ensureConfig() (*config.Config, error) {
	c.configOnce.Do(func() {
		cfg, err := config.Load()
		if err != nil {
			c.configErr = err
			return
		}
		z, err := newZapLogger(cfg.LogLevel, cfg.PrettyLogs)
		if err != nil {
			c.configErr = err
			return
		}
		c.config = cfg
		c.zap = z
		c.logger = zapadapter.NewZapEctoLogger(z, nil)
	})
	return c.config, c.configErr
}

// newZapLogger writes to stderr in both modes. Worker stdout is reserved for the outcome.
func newZapLogger(level string, pretty bool) (*zap.Logger, error) {
	zcfg := zap.NewProductionConfig()
	if pretty {
		zcfg = zap.NewDevelopmentConfig()
	}
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid LOG_LEVEL %q: %w", level, err)
	}
	zcfg.Level = lvl
	zcfg.OutputPaths = []string{"stderr"}
	zcfg.ErrorOutputPaths = []string{"stderr"}
	return zcfg.Build()
}

func (c *commandContext) onClose(fn func(context.Context)) {
	c.closers = append(c.closers, fn)
}

func (c *commandContext) close(ctx context.Context) {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i](ctx)
	}
	c.closers = nil
	if c.zap != nil {
		_ = c.zap.Sync()
	}
}

func (c *commandContext) startTracing(ctx context.Context) error {
	shutdown, err := tracing.Setup(ctx, c.config.AppName, c.config.Tracing(), c.logger)
	if err != nil {
		return err
	}
	c.onClose(func(ctx context.Context) {
		if err := shutdown(ctx); err != nil {
			c.logger.WithError(err).Warn("Failed to flush traces")
		}
	})
	return nil
}

func (c *commandContext) openDB(ctx context.Context) (*sqlx.DB, database.DB, error) {
	raw, err := database.Open(ctx, c.config.Database(), c.logger)
	if err != nil {
		return nil, nil, err
	}
	c.onClose(func(context.Context) { _ = raw.Close() })
	return raw, database.NewDatabaseInstance(raw, c.logger), nil
}

// redisClient returns nil when Redis is disabled
func (c *commandContext) redisClient() *redis.Client {
	if !c.config.RedisEnabled {
		return nil
	}
	client := redis.NewClient(c.config.Redis(), c.logger)
	c.onClose(func(context.Context) { _ = client.Close() })
	return client
}

// emitter returns nil when Kafka is disabled
func (c *commandContext) emitter() *events.Emitter {
	if !c.config.KafkaEnabled {
		return nil
	}
	producer := kafka.NewProducer(c.config.Kafka(), c.logger)
	c.onClose(func(context.Context) {
		if err := producer.Close(); err != nil {
			c.logger.WithError(err).Warn("Failed to close Kafka producer")
		}
	})
	return events.NewEmitter(producer, c.logger)
}

// pushMetrics is called by short-lived commands before they exit
func (c *commandContext) pushMetrics(ctx context.Context, job string, grouping map[string]string) {
	if err := metrics.Push(ctx, c.config.PushgatewayURL, job, grouping); err != nil {
		c.logger.WithError(err).Warn("Failed to push metrics")
	}
}

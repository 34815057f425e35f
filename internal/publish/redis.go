package publish

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/can-bridge/internal/config"
	"github.com/can-bridge/internal/monitor"
	"github.com/can-bridge/internal/transmit"
)

// commander is the part of the redis client the publisher uses.
type commander interface {
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
	Close() error
}

type message struct {
	key     string
	channel string
	payload []byte
}

// Redis mirrors events into a Redis server: the latest tick and run are kept
// under fixed keys and ticks are also published on a channel. Events are
// queued and written by a background goroutine; when the queue is full the
// event is dropped.
type Redis struct {
	client  commander
	prefix  string
	logger  *zap.Logger
	queue   chan message
	timeout time.Duration
	wg      sync.WaitGroup
	once    sync.Once
}

const redisQueueSize = 64

// NewRedis connects a publisher to the configured server.
func NewRedis(cfg config.RedisConfig, logger *zap.Logger) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	return newRedis(client, cfg.KeyPrefix, logger)
}

func newRedis(client commander, prefix string, logger *zap.Logger) *Redis {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Redis{
		client:  client,
		prefix:  prefix,
		logger:  logger.Named("redis"),
		queue:   make(chan message, redisQueueSize),
		timeout: 2 * time.Second,
	}
	r.wg.Add(1)
	go r.worker()
	return r
}

// MonitorKey holds the latest tick.
func (r *Redis) MonitorKey() string { return r.prefix + ":monitor:last" }

// MonitorChannel carries every tick.
func (r *Redis) MonitorChannel() string { return r.prefix + ":monitor" }

// TransmitKey holds the latest run result.
func (r *Redis) TransmitKey() string { return r.prefix + ":transmit:last" }

func (r *Redis) PublishTick(t monitor.Tick) {
	r.enqueue(message{key: r.MonitorKey(), channel: r.MonitorChannel()}, t)
}

func (r *Redis) PublishRun(res transmit.Result) {
	r.enqueue(message{key: r.TransmitKey()}, res)
}

func (r *Redis) enqueue(m message, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		r.logger.Error("Failed to encode event", zap.Error(err))
		return
	}
	m.payload = data
	select {
	case r.queue <- m:
	default:
		r.logger.Debug("Queue full, event dropped", zap.String("key", m.key))
	}
}

func (r *Redis) worker() {
	defer r.wg.Done()
	for m := range r.queue {
		ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
		if err := r.client.Set(ctx, m.key, m.payload, 0).Err(); err != nil {
			r.logger.Warn("SET failed", zap.String("key", m.key), zap.Error(err))
		}
		if m.channel != "" {
			if err := r.client.Publish(ctx, m.channel, m.payload).Err(); err != nil {
				r.logger.Warn("PUBLISH failed", zap.String("channel", m.channel), zap.Error(err))
			}
		}
		cancel()
	}
}

// Close drains the queue and closes the client. Publishing after Close panics.
func (r *Redis) Close() error {
	var err error
	r.once.Do(func() {
		close(r.queue)
		r.wg.Wait()
		err = r.client.Close()
	})
	return err
}

package messaging

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stev4501/E84-v10/internal/logger"
	"github.com/stev4501/E84-v10/internal/types"
)

// Callbacks are invoked for operator commands popped from the command
// lists.
type Callbacks struct {
	ResetCallback func() error
	ModeCallback  func(types.Mode) error
	StopCallback  func() error
}

// RedisClient publishes the controller's event stream and listens for
// operator commands. Channels: e84:state_changed, e84:signal_changed,
// e84:timer, e84:fault. Command lists: e84:reset, e84:mode, e84:stop.
type RedisClient struct {
	client    *redis.Client
	callbacks Callbacks
	logger    *logger.Logger
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

func NewRedisClient(addr string, l *logger.Logger, callbacks Callbacks) *RedisClient {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisClient{
		client: redis.NewClient(&redis.Options{
			Addr: addr,
			DB:   0,
		}),
		callbacks: callbacks,
		logger:    l.WithTag("redis"),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (r *RedisClient) Connect() error {
	if err := r.client.Ping(r.ctx).Err(); err != nil {
		return fmt.Errorf("redis connection failed: %w", err)
	}
	r.logger.Infof("connected to redis at %s", r.client.Options().Addr)
	return nil
}

// StartListening starts the command list listeners. Call after the
// controller is fully started.
func (r *RedisClient) StartListening() {
	r.wg.Add(3)
	go r.listCommandListener("e84:reset", r.handleResetCommand)
	go r.listCommandListener("e84:mode", r.handleModeCommand)
	go r.listCommandListener("e84:stop", r.handleStopCommand)
}

func (r *RedisClient) listCommandListener(key string, handler func(string) error) {
	defer r.wg.Done()
	r.logger.Debugf("starting command listener for %s", key)

	for {
		select {
		case <-r.ctx.Done():
			return
		default:
			result, err := r.client.BRPop(r.ctx, 5*time.Second, key).Result()
			if err != nil {
				if err == redis.Nil {
					continue
				}
				if r.ctx.Err() != nil {
					return
				}
				r.logger.Warnf("error reading from %s list: %v", key, err)
				continue
			}
			if len(result) >= 2 {
				value := result[1]
				r.logger.Debugf("received command from %s: %s", key, value)
				if err := handler(value); err != nil {
					r.logger.Warnf("error handling %s command: %v", key, err)
				}
			}
		}
	}
}

func (r *RedisClient) handleResetCommand(string) error {
	if r.callbacks.ResetCallback == nil {
		return nil
	}
	return r.callbacks.ResetCallback()
}

func (r *RedisClient) handleModeCommand(value string) error {
	if r.callbacks.ModeCallback == nil {
		return nil
	}
	mode, ok := types.ParseMode(value)
	if !ok {
		return fmt.Errorf("invalid mode command: %s", value)
	}
	return r.callbacks.ModeCallback(mode)
}

func (r *RedisClient) handleStopCommand(string) error {
	if r.callbacks.StopCallback == nil {
		return nil
	}
	return r.callbacks.StopCallback()
}

// === event publication ===

func (r *RedisClient) publish(channel string, payload interface{}) {
	data, err := json.Marshal(payload)
	if err != nil {
		r.logger.Errorf("marshal %s event: %v", channel, err)
		return
	}
	if err := r.client.Publish(r.ctx, channel, data).Err(); err != nil {
		r.logger.Warnf("publish %s: %v", channel, err)
	}
}

func (r *RedisClient) PublishStateChanged(rec types.TransitionRecord) {
	r.publish("e84:state_changed", map[string]interface{}{
		"time":    rec.Time.Format(time.RFC3339Nano),
		"from":    rec.From,
		"to":      rec.To,
		"trigger": rec.Trigger,
	})
}

func (r *RedisClient) PublishSignalChanged(name string, level bool) {
	r.publish("e84:signal_changed", map[string]interface{}{
		"signal": name,
		"level":  level,
	})
}

func (r *RedisClient) PublishTimerArmed(name string, d time.Duration) {
	r.publish("e84:timer", map[string]interface{}{
		"event":       "armed",
		"timer":       name,
		"duration_ms": d.Milliseconds(),
	})
}

func (r *RedisClient) PublishTimerFired(name string) {
	r.publish("e84:timer", map[string]interface{}{
		"event": "fired",
		"timer": name,
	})
}

func (r *RedisClient) PublishFault(f types.Fault) {
	r.publish("e84:fault", map[string]interface{}{
		"time":   f.Time.Format(time.RFC3339Nano),
		"kind":   string(f.Kind),
		"detail": f.Detail,
	})
}

func (r *RedisClient) Close() {
	r.cancel()
	r.wg.Wait()
	if err := r.client.Close(); err != nil {
		r.logger.Warnf("close redis client: %v", err)
	}
}

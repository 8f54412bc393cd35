// Package redis publishes messages to Redis, either on a pub/sub channel or
// onto a capped list.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"dutybot/internal/registry"
	"dutybot/internal/sink"
	logx "dutybot/pkg/logx"
)

const (
	ModePublish = "publish"
	ModeList    = "list"
)

func init() {
	sink.Register(registry.CanonicalName("RedisSink", "Sink"), New)
}

type Options struct {
	Address  string `json:"address"`
	Password string `json:"password,omitempty"`
	DB       int    `json:"db,omitempty"`
	// Mode is "publish" (default) or "list".
	Mode    string `json:"mode,omitempty"`
	Channel string `json:"channel,omitempty"`
	Key     string `json:"key,omitempty"`
	// MaxLen caps the list in list mode. 0 keeps every entry.
	MaxLen  int64  `json:"max_len,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type RedisSink struct {
	opt    Options
	client *goredis.Client
	log    logx.Logger
}

// Payload is the JSON document written to Redis.
type Payload struct {
	Title   string    `json:"title,omitempty"`
	Content string    `json:"content"`
	SentAt  time.Time `json:"sent_at"`
}

func New(raw json.RawMessage, deps sink.Deps) (sink.Sink, error) {
	var opt Options
	if err := registry.Decode(raw, &opt); err != nil {
		return nil, err
	}
	if strings.TrimSpace(opt.Address) == "" {
		return nil, errors.New("address required")
	}
	switch opt.Mode {
	case "", ModePublish:
		opt.Mode = ModePublish
		if opt.Channel == "" {
			return nil, errors.New("channel required in publish mode")
		}
	case ModeList:
		if opt.Key == "" {
			return nil, errors.New("key required in list mode")
		}
	default:
		return nil, fmt.Errorf("unknown mode %q", opt.Mode)
	}
	timeout := 5 * time.Second
	if opt.Timeout != "" {
		d, err := time.ParseDuration(opt.Timeout)
		if err != nil || d <= 0 {
			return nil, fmt.Errorf("timeout: invalid duration %q", opt.Timeout)
		}
		timeout = d
	}

	client := goredis.NewClient(&goredis.Options{
		Addr:         opt.Address,
		Password:     opt.Password,
		DB:           opt.DB,
		DialTimeout:  timeout,
		ReadTimeout:  timeout,
		WriteTimeout: timeout,
	})
	return &RedisSink{opt: opt, client: client, log: deps.Logger.With(logx.String("comp", "sink.redis"))}, nil
}

func (s *RedisSink) Deliver(ctx context.Context, msg sink.Message) error {
	b, err := json.Marshal(Payload{Title: msg.Title, Content: msg.Content, SentAt: time.Now().UTC()})
	if err != nil {
		return err
	}

	if s.opt.Mode == ModePublish {
		n, err := s.client.Publish(ctx, s.opt.Channel, b).Result()
		if err != nil {
			return fmt.Errorf("redis publish %s: %w", s.opt.Channel, err)
		}
		s.log.Debug("redis published", logx.String("channel", s.opt.Channel), logx.Int64("receivers", n))
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(p goredis.Pipeliner) error {
		p.LPush(ctx, s.opt.Key, b)
		if s.opt.MaxLen > 0 {
			p.LTrim(ctx, s.opt.Key, 0, s.opt.MaxLen-1)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis lpush %s: %w", s.opt.Key, err)
	}
	return nil
}

// Close releases the connection pool.
func (s *RedisSink) Close() error {
	return s.client.Close()
}

package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/cw07/omsflow/pkg/oms/model"
)

type RedisStreamConfig struct {
	Name      string `yaml:"name"`
	StreamKey string `yaml:"stream_key"`
	Group     string `yaml:"group"`
	Consumer  string `yaml:"consumer"`
}

// RedisStreamSource consumes a redis stream through a consumer group.
// Entries are XACKed only after the intake stage has durably recorded them.
type RedisStreamSource struct {
	cfg    *RedisStreamConfig
	client *redis.Client
}

func NewRedisStreamSource(client *redis.Client, cfg *RedisStreamConfig) *RedisStreamSource {
	if cfg.Name == "" {
		cfg.Name = "redis-stream"
	}
	if cfg.Group == "" {
		cfg.Group = "oms"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "oms-1"
	}
	return &RedisStreamSource{cfg: cfg, client: client}
}

func (s *RedisStreamSource) Name() string           { return s.cfg.Name }
func (s *RedisStreamSource) Kind() model.SourceKind { return model.SourceStream }

func (s *RedisStreamSource) ensureGroup(ctx context.Context) error {
	err := s.client.XGroupCreateMkStream(ctx, s.cfg.StreamKey, s.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return err
	}
	return nil
}

func (s *RedisStreamSource) Run(ctx context.Context, intake chan<- *model.RawOrder) error {
	if err := s.ensureGroup(ctx); err != nil {
		return &SourceUnavailableError{Source: s.cfg.Name, Err: err}
	}

	boff := backoff.NewExponentialBackOff()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		streams, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    s.cfg.Group,
			Consumer: s.cfg.Consumer,
			Streams:  []string{s.cfg.StreamKey, ">"},
			Count:    64,
			Block:    5 * time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				boff.Reset()
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			wait := boff.NextBackOff()
			if wait == backoff.Stop {
				return &SourceUnavailableError{Source: s.cfg.Name, Err: err}
			}
			zap.S().Warnw("redis stream read failed", "source", s.cfg.Name, "err", err, "backoff", wait)
			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		boff.Reset()

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				raw := &model.RawOrder{
					Source: model.SourceStream,
					Ref:    msg.ID,
					Data:   entryData(msg.Values),
				}
				if !push(ctx, intake, raw) {
					return ctx.Err()
				}
			}
		}
	}
}

func entryData(values map[string]interface{}) map[string]string {
	data := make(map[string]string, len(values))
	for k, v := range values {
		data[k] = fmt.Sprint(v)
	}
	return data
}

// Ack commits the read position for the entry.
func (s *RedisStreamSource) Ack(ctx context.Context, ref string) error {
	return s.client.XAck(ctx, s.cfg.StreamKey, s.cfg.Group, ref).Err()
}

func (s *RedisStreamSource) Close() error { return nil }

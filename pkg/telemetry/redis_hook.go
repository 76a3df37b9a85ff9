package telemetry

import (
	"context"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"
	"go.opentelemetry.io/otel/attribute"
	api "go.opentelemetry.io/otel/metric"
)

type startKey struct{}

// RedisHook records the latency and failures of every redis command.
type RedisHook struct {
	commandDuration api.Float64Histogram
	commandErrors   api.Int64Counter
}

var _ redis.Hook = (*RedisHook)(nil)

func NewRedisHook(meter api.Meter) (*RedisHook, error) {
	commandDuration, err := meter.Float64Histogram(
		"redis.command.duration",
		api.WithDescription("Duration of redis commands in milliseconds."),
		api.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}

	commandErrors, err := meter.Int64Counter(
		"redis.command.errors",
		api.WithDescription("Redis commands that returned an error other than a miss."),
	)
	if err != nil {
		return nil, err
	}

	return &RedisHook{commandDuration: commandDuration, commandErrors: commandErrors}, nil
}

func (h *RedisHook) BeforeProcess(ctx context.Context, _ redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, startKey{}, time.Now()), nil
}

func (h *RedisHook) AfterProcess(ctx context.Context, cmd redis.Cmder) error {
	h.record(ctx, cmd.Name(), cmd.Err())
	return nil
}

func (h *RedisHook) BeforeProcessPipeline(ctx context.Context, _ []redis.Cmder) (context.Context, error) {
	return context.WithValue(ctx, startKey{}, time.Now()), nil
}

func (h *RedisHook) AfterProcessPipeline(ctx context.Context, cmds []redis.Cmder) error {
	var err error
	for _, cmd := range cmds {
		if cmdErr := cmd.Err(); cmdErr != nil && !errors.Is(cmdErr, redis.Nil) {
			err = cmdErr
			break
		}
	}
	h.record(ctx, "pipeline", err)
	return nil
}

func (h *RedisHook) record(ctx context.Context, name string, err error) {
	start, ok := ctx.Value(startKey{}).(time.Time)
	if !ok {
		return
	}

	attrs := api.WithAttributes(attribute.String("command", name))
	h.commandDuration.Record(ctx, float64(time.Since(start).Microseconds())/1000, attrs)

	if err != nil && !errors.Is(err, redis.Nil) {
		h.commandErrors.Add(ctx, 1, attrs)
	}
}

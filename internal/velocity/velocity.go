package velocity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/wolfman30/hcoin-appointments/pkg/logging"
)

var tracer = otel.Tracer("hcoin.internal.velocity")

// Checker counts appointment submissions per patient in a fixed window.
type Checker struct {
	redis  *redis.Client
	logger *logging.Logger
	config Config
}

type Config struct {
	MaxSubmissions int
	Window         time.Duration
}

func DefaultConfig() Config {
	return Config{MaxSubmissions: 10, Window: time.Hour}
}

func NewChecker(client *redis.Client, config Config, logger *logging.Logger) *Checker {
	if client == nil {
		panic("velocity: redis client required")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if config.Window <= 0 {
		config.Window = time.Hour
	}
	return &Checker{redis: client, logger: logger, config: config}
}

// Allow records one submission and reports whether the patient is within the
// limit. A non-positive limit allows everything. Redis failures allow the
// request; the error is returned for logging.
func (c *Checker) Allow(ctx context.Context, patient string) (bool, error) {
	if c.config.MaxSubmissions <= 0 {
		return true, nil
	}
	ctx, span := tracer.Start(ctx, "velocity.allow")
	defer span.End()

	key := submissionKey(patient)
	count, err := c.redis.Incr(ctx, key).Result()
	if err != nil {
		return true, fmt.Errorf("velocity: incr %s: %w", key, err)
	}
	if count == 1 {
		if err := c.redis.Expire(ctx, key, c.config.Window).Err(); err != nil {
			c.logger.Warn("velocity: failed to set window expiry", "key", key, "error", err)
		}
	}

	allowed := int(count) <= c.config.MaxSubmissions
	if !allowed {
		c.logger.Warn("submission velocity exceeded", "patient", patient, "count", count, "max", c.config.MaxSubmissions)
		span.SetAttributes(attribute.Bool("velocity.exceeded", true))
	}
	return allowed, nil
}

// Reset clears the patient's counter.
func (c *Checker) Reset(ctx context.Context, patient string) error {
	return c.redis.Del(ctx, submissionKey(patient)).Err()
}

func submissionKey(patient string) string {
	return "velocity:submit:" + patient
}

// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"time"
)

// ParseString reads a string environment variable or returns the default.
func ParseString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		return value
	}
	return defaultValue
}

// ParseInt reads an integer environment variable or returns the default.
func ParseInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseFloat reads a float environment variable or returns the default.
func ParseFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseBool reads a boolean environment variable or returns the default.
func ParseBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// ParseDuration reads a duration environment variable (Go syntax, e.g.
// "30s") or returns the default.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

// applyEnv overlays RAILWATCH_* environment variables on top of the given
// options. ENV has the highest precedence.
func applyEnv(o *Options) {
	o.Listen = ParseString("RAILWATCH_LISTEN", o.Listen)
	o.DataDir = ParseString("RAILWATCH_DATA", o.DataDir)
	o.LogLevel = ParseString("RAILWATCH_LOG_LEVEL", o.LogLevel)

	o.RedisAddr = ParseString("RAILWATCH_REDIS_ADDR", o.RedisAddr)
	o.RedisPassword = ParseString("RAILWATCH_REDIS_PASSWORD", o.RedisPassword)
	o.RedisDB = ParseInt("RAILWATCH_REDIS_DB", o.RedisDB)

	o.DetectionInterval = ParseDuration("RAILWATCH_DETECTION_INTERVAL", o.DetectionInterval)
	o.DetectionTimeout = ParseDuration("RAILWATCH_DETECTION_TIMEOUT", o.DetectionTimeout)
	o.PredictionHorizon = ParseDuration("RAILWATCH_PREDICTION_HORIZON", o.PredictionHorizon)
	o.SafetyBuffer = ParseDuration("RAILWATCH_SAFETY_BUFFER", o.SafetyBuffer)
	o.AlertWindow = ParseDuration("RAILWATCH_ALERT_WINDOW", o.AlertWindow)

	o.TravelTimeFloorSpeed = ParseFloat("RAILWATCH_TRAVEL_TIME_FLOOR_SPEED", o.TravelTimeFloorSpeed)
	o.TravelTimeMargin = ParseFloat("RAILWATCH_TRAVEL_TIME_MARGIN", o.TravelTimeMargin)

	o.PositionRetention = ParseDuration("RAILWATCH_POSITION_RETENTION", o.PositionRetention)

	o.RateLimits.Critical = ParseInt("RAILWATCH_RATELIMIT_CRITICAL", o.RateLimits.Critical)
	o.RateLimits.Standard = ParseInt("RAILWATCH_RATELIMIT_STANDARD", o.RateLimits.Standard)
	o.RateLimits.ManualDetection = ParseInt("RAILWATCH_RATELIMIT_MANUAL_DETECTION", o.RateLimits.ManualDetection)

	o.ExecutorPoolSize = ParseInt("RAILWATCH_EXECUTOR_POOL_SIZE", o.ExecutorPoolSize)
	o.IngestionQueueCapacity = ParseInt("RAILWATCH_INGESTION_QUEUE_CAPACITY", o.IngestionQueueCapacity)
	o.MaxClientBacklog = ParseInt("RAILWATCH_MAX_CLIENT_BACKLOG", o.MaxClientBacklog)
	o.HardClientBacklog = ParseInt("RAILWATCH_HARD_CLIENT_BACKLOG", o.HardClientBacklog)
	o.HubShards = ParseInt("RAILWATCH_HUB_SHARDS", o.HubShards)

	o.AI.Enabled = ParseBool("RAILWATCH_AI_ENABLED", o.AI.Enabled)
	o.AI.DefaultStrategy = ParseString("RAILWATCH_AI_DEFAULT_STRATEGY", o.AI.DefaultStrategy)
	o.AI.InlineTimeout = ParseDuration("RAILWATCH_AI_INLINE_TIMEOUT", o.AI.InlineTimeout)
	o.AI.BackgroundTimeout = ParseDuration("RAILWATCH_AI_BACKGROUND_TIMEOUT", o.AI.BackgroundTimeout)
}

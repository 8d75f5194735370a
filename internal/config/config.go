// SPDX-License-Identifier: MIT

// Package config loads engine options with ENV > file > defaults precedence.
package config

import "time"

// SeverityWeights are the factor weights of the severity score. They must
// sum to 10 so the weighted sum stays on the 1..10 scale.
type SeverityWeights struct {
	Time       float64 `yaml:"time"`
	Priority   float64 `yaml:"priority"`
	Passengers float64 `yaml:"passengers"`
	Network    float64 `yaml:"network"`
	Safety     float64 `yaml:"safety"`
}

// RateLimits are per-minute budgets keyed by endpoint kind.
type RateLimits struct {
	Critical        int `yaml:"critical"`
	Standard        int `yaml:"standard"`
	ManualDetection int `yaml:"manual_detection"`
}

// AIOptions configure the optional recommender strategies.
type AIOptions struct {
	Enabled           bool          `yaml:"enabled"`
	DefaultStrategy   string        `yaml:"default_strategy"`
	InlineTimeout     time.Duration `yaml:"inline_timeout"`
	BackgroundTimeout time.Duration `yaml:"background_timeout"`
}

// Options is the full engine configuration.
type Options struct {
	Listen   string `yaml:"listen"`
	DataDir  string `yaml:"data_dir"`
	LogLevel string `yaml:"log_level"`

	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	DetectionInterval time.Duration `yaml:"detection_interval"`
	DetectionTimeout  time.Duration `yaml:"detection_timeout"`
	PredictionHorizon time.Duration `yaml:"prediction_horizon"`
	SafetyBuffer      time.Duration `yaml:"safety_buffer"`
	AlertWindow       time.Duration `yaml:"alert_window"`

	TravelTimeFloorSpeed float64 `yaml:"travel_time_floor_speed"` // km/h
	TravelTimeMargin     float64 `yaml:"travel_time_margin"`

	PositionRetention time.Duration `yaml:"position_retention"`

	RateLimits RateLimits `yaml:"rate_limits"`

	ExecutorPoolSize       int `yaml:"executor_pool_size"`
	IngestionQueueCapacity int `yaml:"ingestion_queue_capacity"`
	MaxClientBacklog       int `yaml:"max_client_backlog"`
	HardClientBacklog      int `yaml:"hard_client_backlog"`
	HubShards              int `yaml:"hub_shards"`

	SeverityWeights SeverityWeights `yaml:"severity_weights"`

	AI AIOptions `yaml:"ai"`
}

// Defaults returns the documented default option set.
func Defaults() Options {
	return Options{
		Listen:   ":8080",
		DataDir:  "/var/lib/railwatch",
		LogLevel: "info",

		RedisAddr: "localhost:6379",

		DetectionInterval: 30 * time.Second,
		DetectionTimeout:  10 * time.Second,
		PredictionHorizon: 60 * time.Minute,
		SafetyBuffer:      2 * time.Minute,
		AlertWindow:       5 * time.Minute,

		TravelTimeFloorSpeed: 10,
		TravelTimeMargin:     1.2,

		PositionRetention: 30 * 24 * time.Hour,

		RateLimits: RateLimits{
			Critical:        10,
			Standard:        30,
			ManualDetection: 5,
		},

		ExecutorPoolSize:       8,
		IngestionQueueCapacity: 1024,
		MaxClientBacklog:       256,
		HardClientBacklog:      1024,
		HubShards:              8,

		SeverityWeights: SeverityWeights{
			Time:       3,
			Priority:   2,
			Passengers: 2.5,
			Network:    1.5,
			Safety:     1,
		},

		AI: AIOptions{
			Enabled:           false,
			InlineTimeout:     2 * time.Second,
			BackgroundTimeout: 30 * time.Second,
		},
	}
}

// SPDX-License-Identifier: MIT

package config

import (
	"fmt"
	"math"
)

// Validate rejects option sets the engine cannot run with.
func (o Options) Validate() error {
	if o.DetectionInterval <= 0 {
		return fmt.Errorf("detection_interval must be positive")
	}
	if o.DetectionTimeout <= 0 || o.DetectionTimeout > o.DetectionInterval {
		return fmt.Errorf("detection_timeout must be in (0, detection_interval]")
	}
	if o.PredictionHorizon <= 0 {
		return fmt.Errorf("prediction_horizon must be positive")
	}
	if o.TravelTimeFloorSpeed <= 0 {
		return fmt.Errorf("travel_time_floor_speed must be positive")
	}
	if o.TravelTimeMargin < 1 {
		return fmt.Errorf("travel_time_margin must be >= 1")
	}
	if o.ExecutorPoolSize < 1 {
		return fmt.Errorf("executor_pool_size must be >= 1")
	}
	if o.IngestionQueueCapacity < 1 {
		return fmt.Errorf("ingestion_queue_capacity must be >= 1")
	}
	if o.HubShards < 1 {
		return fmt.Errorf("hub_shards must be >= 1")
	}
	if o.MaxClientBacklog < 1 || o.HardClientBacklog < o.MaxClientBacklog {
		return fmt.Errorf("client backlog limits must satisfy 1 <= max <= hard")
	}
	if o.RateLimits.Critical < 1 || o.RateLimits.Standard < 1 || o.RateLimits.ManualDetection < 1 {
		return fmt.Errorf("rate limit budgets must be >= 1")
	}

	w := o.SeverityWeights
	sum := w.Time + w.Priority + w.Passengers + w.Network + w.Safety
	if math.Abs(sum-10) > 1e-9 {
		return fmt.Errorf("severity_weights must sum to 10, got %.3f", sum)
	}
	return nil
}

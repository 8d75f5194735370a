// SPDX-License-Identifier: MIT

// Package hub streams engine events to WebSocket clients. Connections are
// partitioned over shards so fan-out contends on a per-shard lock instead
// of one global one; each connection receives an event at most once, in
// the order the hub ingested it.
package hub

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/config"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/model"
)

// Subscription is a connection's event filter: everything, or an explicit
// train/section id set.
type Subscription struct {
	All      bool
	Trains   map[int64]struct{}
	Sections map[int64]struct{}
}

// SubscribeAll matches every event.
func SubscribeAll() Subscription { return Subscription{All: true} }

// Matches reports whether an event passes the filter. Untagged events
// (system messages) reach every connection.
func (s Subscription) Matches(ev model.Event) bool {
	if s.All {
		return true
	}
	if len(ev.TrainIDs) == 0 && len(ev.SectionIDs) == 0 {
		return true
	}
	for _, id := range ev.TrainIDs {
		if _, ok := s.Trains[id]; ok {
			return true
		}
	}
	for _, id := range ev.SectionIDs {
		if _, ok := s.Sections[id]; ok {
			return true
		}
	}
	return false
}

// shard holds one partition of the connection set.
type shard struct {
	mu    sync.RWMutex
	conns map[*client]struct{}
}

// Hub fans engine events out to attached clients.
type Hub struct {
	shards      []*shard
	maxBacklog  int
	hardBacklog int

	nextConnID atomic.Uint64
	wg         sync.WaitGroup
}

// New sizes the hub from the engine options.
func New(opts config.Options) *Hub {
	n := opts.HubShards
	if n < 1 {
		n = 1
	}
	shards := make([]*shard, n)
	for i := range shards {
		shards[i] = &shard{conns: make(map[*client]struct{})}
	}
	maxBacklog := opts.MaxClientBacklog
	if maxBacklog < 1 {
		maxBacklog = 256
	}
	hard := opts.HardClientBacklog
	if hard <= maxBacklog {
		hard = maxBacklog * 4
	}
	return &Hub{shards: shards, maxBacklog: maxBacklog, hardBacklog: hard}
}

// Run consumes every bus topic until ctx ends. One intake goroutine per
// topic keeps same-topic events ordered end to end.
func (h *Hub) Run(ctx context.Context, b *bus.Bus) {
	logger := log.WithComponent("hub")
	topics := []string{bus.TopicPositions, bus.TopicConflicts, bus.TopicDecisions, bus.TopicSystem}

	for _, topic := range topics {
		sub := b.Subscribe(topic)
		h.wg.Add(1)
		go func(topic string) {
			defer h.wg.Done()
			defer func() { _ = sub.Close() }()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-sub.C():
					if !ok {
						return
					}
					h.Broadcast(ev)
				}
			}
		}(topic)
	}
	logger.Info().Int("shards", len(h.shards)).Msg("hub started")

	<-ctx.Done()
	h.closeAll()
	logger.Info().Msg("hub stopped")
}

// Wait blocks until all intake goroutines have exited.
func (h *Hub) Wait() { h.wg.Wait() }

// Broadcast offers one event to every matching connection.
func (h *Hub) Broadcast(ev model.Event) {
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.conns {
			if c.subscription().Matches(ev) {
				c.enqueue(ev)
			}
		}
		sh.mu.RUnlock()
	}
}

// ClientCount returns the number of attached connections.
func (h *Hub) ClientCount() int {
	total := 0
	for _, sh := range h.shards {
		sh.mu.RLock()
		total += len(sh.conns)
		sh.mu.RUnlock()
	}
	return total
}

func (h *Hub) shardFor(connID uint64) *shard {
	return h.shards[connID%uint64(len(h.shards))]
}

func (h *Hub) register(c *client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	sh.conns[c] = struct{}{}
	sh.mu.Unlock()
}

func (h *Hub) unregister(c *client) {
	sh := h.shardFor(c.id)
	sh.mu.Lock()
	delete(sh.conns, c)
	sh.mu.Unlock()
}

func (h *Hub) closeAll() {
	var all []*client
	for _, sh := range h.shards {
		sh.mu.RLock()
		for c := range sh.conns {
			all = append(all, c)
		}
		sh.mu.RUnlock()
	}
	for _, c := range all {
		c.shutdown()
	}
}

// parseIDs decodes repeated numeric query values, ignoring junk.
func parseIDs(values []string) map[int64]struct{} {
	if len(values) == 0 {
		return nil
	}
	out := make(map[int64]struct{}, len(values))
	for _, v := range values {
		if id, err := strconv.ParseInt(v, 10, 64); err == nil && id > 0 {
			out[id] = struct{}{}
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

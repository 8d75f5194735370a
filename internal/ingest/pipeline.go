// SPDX-License-Identifier: MIT

// Package ingest is the position ingestion pipeline and section occupancy
// tracker. Reports are routed onto a fixed worker per train, which gives
// per-train processing order for free; occupancy transitions additionally
// serialize through per-section locks so entry and exit events for one
// section are globally ordered.
//
// Over-capacity occupancy is not prevented here. The engine is
// observational: crowding is a condition the conflict detector classifies,
// not one the tracker rejects.
package ingest

import (
	"context"
	"hash/maphash"
	"sync"
	"time"

	"github.com/stellwerk/railwatch/internal/bus"
	"github.com/stellwerk/railwatch/internal/log"
	"github.com/stellwerk/railwatch/internal/metrics"
	"github.com/stellwerk/railwatch/internal/model"
	"github.com/stellwerk/railwatch/internal/predict"
	"github.com/stellwerk/railwatch/internal/store"
)

// enqueueWait bounds how long a producer blocks on a full worker queue
// before the report is rejected with OVERLOADED.
const enqueueWait = 100 * time.Millisecond

const sectionLockStripes = 64

// Config sizes the pipeline.
type Config struct {
	Workers       int // fixed worker pool, reports sharded by train id
	QueueCapacity int // pending reports per worker queue
}

// Pipeline validates, persists and fans out position reports.
type Pipeline struct {
	store     *store.Store
	predictor *predict.Predictor
	bus       *bus.Bus
	cfg       Config

	// latest is the current-position index, the authority on staleness.
	mu        sync.RWMutex
	latest    map[int64]model.PositionReport
	occupants map[int64]map[int64]struct{} // section id -> live train set

	sectionLocks [sectionLockStripes]sync.Mutex
	seed         maphash.Seed

	queues  []chan task
	wg      sync.WaitGroup
	started bool
}

type task struct {
	report model.PositionReport
	reply  chan error
}

// New builds the pipeline. Call Rebuild before Start on a warm store.
func New(st *store.Store, p *predict.Predictor, b *bus.Bus, cfg Config) *Pipeline {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.QueueCapacity < 1 {
		cfg.QueueCapacity = 1
	}
	per := cfg.QueueCapacity / cfg.Workers
	if per < 1 {
		per = 1
	}
	queues := make([]chan task, cfg.Workers)
	for i := range queues {
		queues[i] = make(chan task, per)
	}
	return &Pipeline{
		store:     st,
		predictor: p,
		bus:       b,
		cfg:       cfg,
		latest:    make(map[int64]model.PositionReport),
		occupants: make(map[int64]map[int64]struct{}),
		seed:      maphash.MakeSeed(),
		queues:    queues,
	}
}

// Rebuild repopulates the in-memory indices from the persisted
// latest-position-per-train snapshot. Run once on startup.
func (p *Pipeline) Rebuild(ctx context.Context) error {
	positions, err := p.store.LatestPositions(ctx)
	if err != nil {
		return err
	}
	open, err := p.store.OpenOccupancies(ctx)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = positions
	p.occupants = make(map[int64]map[int64]struct{})
	for _, o := range open {
		set, ok := p.occupants[o.SectionID]
		if !ok {
			set = make(map[int64]struct{})
			p.occupants[o.SectionID] = set
		}
		set[o.TrainID] = struct{}{}
	}
	logger := log.WithComponent("ingest")
	logger.Info().
		Int("trains", len(positions)).
		Int("open_occupancies", len(open)).
		Msg("indices rebuilt from store")
	return nil
}

// Start launches the worker pool. Workers drain their queues until ctx
// ends, then exit; Wait blocks for them.
func (p *Pipeline) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true
	for i, q := range p.queues {
		p.wg.Add(1)
		go p.worker(ctx, i, q)
	}
}

// Wait blocks until every worker has exited.
func (p *Pipeline) Wait() { p.wg.Wait() }

func (p *Pipeline) worker(ctx context.Context, id int, q chan task) {
	defer p.wg.Done()
	logger := log.WithComponent("ingest").With().Int("worker", id).Logger()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("worker stopped")
			return
		case t := <-q:
			t.reply <- p.process(ctx, t.report)
		}
	}
}

// Report validates and applies one position report. On success the
// time-series store contains the report, the current-position index
// reflects it, and transition events have been emitted. Rejections carry a
// fault code: VALIDATION, NOT_FOUND, STALE, OVERLOADED or TRANSIENT.
func (p *Pipeline) Report(ctx context.Context, r model.PositionReport) error {
	if err := r.Validate(time.Now().UTC()); err != nil {
		metrics.IncPositionRejected(string(model.CodeOf(err)))
		return err
	}

	t := task{report: r, reply: make(chan error, 1)}
	q := p.queues[p.shard(r.TrainID)]

	timer := time.NewTimer(enqueueWait)
	defer timer.Stop()
	select {
	case q <- t:
	case <-timer.C:
		metrics.IncPositionRejected(string(model.CodeOverloaded))
		return model.New(model.CodeOverloaded, "ingestion queue full")
	case <-ctx.Done():
		return model.Wrap(model.CodeTransient, ctx.Err(), "report cancelled")
	}
	metrics.SetIngestQueueDepth(p.depth())

	select {
	case err := <-t.reply:
		return err
	case <-ctx.Done():
		return model.Wrap(model.CodeTransient, ctx.Err(), "report cancelled")
	}
}

// Rejection pairs a failed bulk entry with its fault.
type Rejection struct {
	Index int    `json:"index"`
	Code  string `json:"code"`
	Error string `json:"error"`
}

// ReportBulk applies each report independently; partial success is normal.
// Ordering within the batch is the caller's responsibility.
func (p *Pipeline) ReportBulk(ctx context.Context, reports []model.PositionReport) (accepted int, rejections []Rejection) {
	for i, r := range reports {
		if err := p.Report(ctx, r); err != nil {
			rejections = append(rejections, Rejection{
				Index: i,
				Code:  string(model.CodeOf(err)),
				Error: err.Error(),
			})
			continue
		}
		accepted++
	}
	return accepted, rejections
}

// process runs on the train's worker, so per-train order is the queue
// order.
func (p *Pipeline) process(ctx context.Context, r model.PositionReport) error {
	train, err := p.store.GetTrain(ctx, r.TrainID)
	if err != nil {
		metrics.IncPositionRejected(string(model.CodeOf(err)))
		return err
	}
	if train.Status == model.StatusOutOfService {
		metrics.IncPositionRejected(string(model.CodeValidation))
		return model.Newf(model.CodeValidation, "train %d is out of service", r.TrainID)
	}
	section, err := p.store.GetSection(ctx, r.SectionID)
	if err != nil {
		metrics.IncPositionRejected(string(model.CodeOf(err)))
		return err
	}
	if !section.Active {
		metrics.IncPositionRejected(string(model.CodeValidation))
		return model.Newf(model.CodeValidation, "section %s is inactive", section.Code)
	}

	p.mu.RLock()
	prev, hasPrev := p.latest[r.TrainID]
	p.mu.RUnlock()
	if hasPrev && !r.Timestamp.After(prev.Timestamp) {
		metrics.IncPositionRejected(string(model.CodeStale))
		return model.Newf(model.CodeStale, "report at %s is not newer than latest %s",
			r.Timestamp.UTC().Format(time.RFC3339), prev.Timestamp.UTC().Format(time.RFC3339))
	}

	prevSection := int64(0)
	if hasPrev {
		prevSection = prev.SectionID
	}

	var expectedExit time.Time
	if prevSection != r.SectionID {
		expectedExit = p.predictor.ExpectedExit(r.SectionID, r.Timestamp, r.Speed)
	}

	transitioned, err := p.recordWithRetry(ctx, r, prevSection, expectedExit)
	if err != nil {
		metrics.IncPositionRejected(string(model.CodeOf(err)))
		return err
	}

	p.mu.Lock()
	p.latest[r.TrainID] = r
	if transitioned {
		if prevSection != 0 {
			delete(p.occupants[prevSection], r.TrainID)
		}
		set, ok := p.occupants[r.SectionID]
		if !ok {
			set = make(map[int64]struct{})
			p.occupants[r.SectionID] = set
		}
		set[r.TrainID] = struct{}{}
	}
	p.mu.Unlock()

	metrics.IncPositionAccepted()
	p.emit(ctx, r, prevSection, transitioned)
	return nil
}

// recordWithRetry retries one TRANSIENT store failure inline after a short
// wait before surfacing it.
func (p *Pipeline) recordWithRetry(ctx context.Context, r model.PositionReport, prevSection int64, expectedExit time.Time) (bool, error) {
	transitioned, err := p.store.RecordPosition(ctx, r, prevSection, expectedExit)
	if err == nil || !model.IsCode(err, model.CodeTransient) {
		return transitioned, err
	}
	select {
	case <-time.After(50 * time.Millisecond):
	case <-ctx.Done():
		return false, err
	}
	return p.store.RecordPosition(ctx, r, prevSection, expectedExit)
}

// emit publishes SectionExit, SectionEntry and PositionUpdate, in that
// order, holding the section lock stripes so per-section event order is
// total across trains.
func (p *Pipeline) emit(ctx context.Context, r model.PositionReport, prevSection int64, transitioned bool) {
	if transitioned {
		metrics.IncSectionTransition()
		if prevSection != 0 {
			p.lockSection(prevSection)
			ev := model.NewEvent(model.EventSectionExit, map[string]any{
				"train_id":   r.TrainID,
				"section_id": prevSection,
				"timestamp":  r.Timestamp.UTC(),
			})
			ev.TrainIDs = []int64{r.TrainID}
			ev.SectionIDs = []int64{prevSection}
			p.publish(ctx, ev)
			p.unlockSection(prevSection)
		}

		p.lockSection(r.SectionID)
		ev := model.NewEvent(model.EventSectionEntry, map[string]any{
			"train_id":   r.TrainID,
			"section_id": r.SectionID,
			"timestamp":  r.Timestamp.UTC(),
		})
		ev.TrainIDs = []int64{r.TrainID}
		ev.SectionIDs = []int64{r.SectionID}
		p.publish(ctx, ev)
		p.unlockSection(r.SectionID)

		// Occupancy changed on both ends of the transition.
		for _, sectionID := range []int64{prevSection, r.SectionID} {
			if sectionID == 0 {
				continue
			}
			status := model.NewEvent(model.EventSectionStatus, map[string]any{
				"section_id": sectionID,
				"occupancy":  p.occupantCount(sectionID),
				"timestamp":  r.Timestamp.UTC(),
			})
			status.SectionIDs = []int64{sectionID}
			p.publish(ctx, status)
		}
	}

	data := map[string]any{
		"train_id":   r.TrainID,
		"section_id": r.SectionID,
		"speed":      r.Speed,
		"heading":    r.Heading,
		"timestamp":  r.Timestamp.UTC(),
	}
	if r.Coordinates != nil {
		data["coordinates"] = r.Coordinates
	}
	ev := model.NewEvent(model.EventPositionUpdate, data)
	ev.TrainIDs = []int64{r.TrainID}
	ev.SectionIDs = []int64{r.SectionID}
	p.publish(ctx, ev)
}

func (p *Pipeline) publish(ctx context.Context, ev model.Event) {
	pubCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	_ = p.bus.Publish(pubCtx, bus.TopicFor(ev.Kind), ev)
}

// CurrentPosition answers from the in-memory index.
func (p *Pipeline) CurrentPosition(trainID int64) (model.PositionReport, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	r, ok := p.latest[trainID]
	return r, ok
}

// TrainsInSection answers "who is in S now?" from the occupancy index.
func (p *Pipeline) TrainsInSection(sectionID int64) []int64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	set := p.occupants[sectionID]
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

func (p *Pipeline) occupantCount(sectionID int64) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.occupants[sectionID])
}

// OpenOccupancies returns a finite snapshot of live occupancy records.
func (p *Pipeline) OpenOccupancies(ctx context.Context) ([]model.OccupancyRecord, error) {
	return p.store.OpenOccupancies(ctx)
}

func (p *Pipeline) shard(trainID int64) int {
	var h maphash.Hash
	h.SetSeed(p.seed)
	var buf [8]byte
	for i := 0; i < 8; i++ {
		buf[i] = byte(trainID >> (8 * i))
	}
	_, _ = h.Write(buf[:])
	return int(h.Sum64() % uint64(len(p.queues)))
}

func (p *Pipeline) lockSection(id int64) {
	p.sectionLocks[uint64(id)%sectionLockStripes].Lock()
}

func (p *Pipeline) unlockSection(id int64) {
	p.sectionLocks[uint64(id)%sectionLockStripes].Unlock()
}

func (p *Pipeline) depth() int {
	n := 0
	for _, q := range p.queues {
		n += len(q)
	}
	return n
}

package messaging

import (
	"go.uber.org/zap"
)

// Stage names a worker pool. Verbs are dispatched to a stage so that one
// class of work (gossip) can never starve another (client requests).
type Stage int

const (
	StageRequestResponse Stage = iota
	StageInternalResponse
	StageGossip
)

func (s Stage) String() string {
	switch s {
	case StageRequestResponse:
		return "RequestResponse"
	case StageInternalResponse:
		return "InternalResponse"
	case StageGossip:
		return "Gossip"
	default:
		return "Unknown"
	}
}

// stagePool is a bounded worker pool backing a single stage.
type stagePool struct {
	tasks  chan func()
	logger *zap.Logger
	stage  Stage
}

func newStagePool(stage Stage, workers, queueDepth int, logger *zap.Logger) *stagePool {
	if workers <= 0 {
		workers = 1
	}
	if queueDepth <= 0 {
		queueDepth = 1024
	}
	p := &stagePool{
		tasks:  make(chan func(), queueDepth),
		logger: logger,
		stage:  stage,
	}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *stagePool) run() {
	for task := range p.tasks {
		p.runOne(task)
	}
}

// runOne executes a single task, recovering from panics so that one bad
// handler never poisons the worker goroutine for the rest of the stage.
func (p *stagePool) runOne(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("stage handler panicked",
				zap.Stringer("stage", p.stage),
				zap.Any("panic", r),
			)
		}
	}()
	task()
}

func (p *stagePool) submit(task func()) {
	p.tasks <- task
}

// StageDispatcher owns one worker pool per stage. The verb->stage mapping
// is fixed at startup (see verbStages); the dispatcher never inspects the
// task it's handed.
type StageDispatcher struct {
	pools map[Stage]*stagePool
}

// StageConfig configures the worker count and queue depth of one stage.
type StageConfig struct {
	Workers    int
	QueueDepth int
}

// DefaultStageConfig mirrors a conservative default: request/response and
// internal-response each get a small pool, gossip gets a single worker
// since it is low-volume and latency-insensitive relative to client work.
func DefaultStageConfig() map[Stage]StageConfig {
	return map[Stage]StageConfig{
		StageRequestResponse:  {Workers: 8, QueueDepth: 4096},
		StageInternalResponse: {Workers: 4, QueueDepth: 1024},
		StageGossip:           {Workers: 1, QueueDepth: 256},
	}
}

// NewStageDispatcher builds the fixed set of stage worker pools.
func NewStageDispatcher(cfg map[Stage]StageConfig, logger *zap.Logger) *StageDispatcher {
	if cfg == nil {
		cfg = DefaultStageConfig()
	}
	d := &StageDispatcher{pools: make(map[Stage]*stagePool, len(cfg))}
	for stage, sc := range cfg {
		d.pools[stage] = newStagePool(stage, sc.Workers, sc.QueueDepth, logger)
	}
	return d
}

// Submit enqueues task on the named stage. It is a no-op if the stage was
// never configured in this dispatcher; verb handler registration does not
// check for that.
func (d *StageDispatcher) Submit(stage Stage, task func()) {
	if p, ok := d.pools[stage]; ok {
		p.submit(task)
	}
}

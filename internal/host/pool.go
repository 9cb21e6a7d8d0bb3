package host

import (
	"context"
	"sync"
	"time"

	"userscriptd/internal/userscript"
	logx "userscriptd/pkg/logx"
)

// Pool is a fixed set of goja runtimes. Each Run gets a fresh global scope.
type Pool struct {
	cfg Config
	log logx.Logger

	free chan *runtime

	mu     sync.RWMutex
	closed bool
}

func NewPool(cfg Config, log logx.Logger) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{cfg: cfg, log: log, free: make(chan *runtime, cfg.PoolSize)}
	for i := 0; i < cfg.PoolSize; i++ {
		p.free <- newRuntime(cfg)
	}
	return p
}

func (p *Pool) acquire(ctx context.Context) (*runtime, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrClosed
	}
	t := time.NewTimer(p.cfg.AcquireWait)
	defer t.Stop()
	select {
	case r := <-p.free:
		return r, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.C:
		return nil, context.DeadlineExceeded
	}
}

func (p *Pool) release(r *runtime) {
	r.vm.ClearInterrupt()
	r.reset()
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.free <- r:
	default:
	}
}

func (p *Pool) Run(ctx context.Context, code, tabID string, world userscript.World) (Result, error) {
	r, err := p.acquire(ctx)
	if err != nil {
		return Result{}, err
	}
	defer p.release(r)

	res, err := r.run(ctx, code, tabID, world)
	for _, e := range res.Console {
		p.log.Debug("script console",
			logx.String("tab_id", tabID),
			logx.String("level", e.Level),
			logx.String("msg", e.Message),
		)
	}
	return res, err
}

type Stats struct {
	Size      int  `json:"size"`
	Available int  `json:"available"`
	Closed    bool `json:"closed"`
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{Size: p.cfg.PoolSize, Available: len(p.free), Closed: p.closed}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	for {
		select {
		case <-p.free:
		default:
			return nil
		}
	}
}

package pool

import (
	"errors"
	"time"

	rtsup "hostwatch/internal/runtime/supervisor"
	logx "hostwatch/pkg/logx"
)

type worker struct {
	id   uint64
	done chan struct{} // closed when the worker goroutine returns
}

// work is the worker state machine: idle in Pop, busy while running a task,
// and gone once it retires or the closed queue runs dry.
func (p *Pool) work(w *worker) {
	defer close(w.done)

	for {
		p.idle.Add(1)
		t, ok := p.queue.Pop(p.cfg.MaxIdleTime)
		p.idle.Add(-1)

		if ok {
			p.execOne(w, t)
			continue
		}
		if p.queue.IsClosed() {
			p.detach(w, "drained")
			return
		}
		if p.tryRetire(w) {
			return
		}
	}
}

func (p *Pool) execOne(w *worker, t task) {
	start := time.Now()
	err := p.sup.Supervise(t.name, t.run)
	p.executed.Add(1)

	var perr *rtsup.PanicError
	if errors.As(err, &perr) {
		p.panicked.Add(1)
		return
	}
	if dur := time.Since(start); dur >= 750*time.Millisecond {
		p.log.Debug("task.slow", logx.String("task", t.name), logx.Uint64("worker", w.id), logx.Duration("dur", dur))
	}
}

// tryRetire lets an idle worker exit when the pool has more than MinThreads
// and nothing arrived in the queue meanwhile. The MinThreads check and the
// move out of live happen under one lock hold.
func (p *Pool) tryRetire(w *worker) bool {
	p.mu.Lock()
	if !p.stopping && (len(p.live) <= p.cfg.MinThreads || p.queue.Count() > 0) {
		p.mu.Unlock()
		return false
	}
	left := p.detachLocked(w)
	p.mu.Unlock()

	p.retired.Add(1)
	p.handOff(w, "idle", left)
	return true
}

// detach moves w from live to freeing and hands it to the reaper. A worker
// never waits on its own exit.
func (p *Pool) detach(w *worker, reason string) {
	p.mu.Lock()
	left := p.detachLocked(w)
	p.mu.Unlock()
	p.handOff(w, reason, left)
}

// LOCKS_REQUIRED(p.mu)
func (p *Pool) detachLocked(w *worker) int {
	delete(p.live, w.id)
	p.freeing[w.id] = w
	return len(p.live)
}

func (p *Pool) handOff(w *worker, reason string, left int) {
	p.log.Debug("worker exiting", logx.Uint64("worker", w.id), logx.String("reason", reason), logx.Int("threads", left))
	p.reap <- w
}

// reaper waits for each detached worker to return, then forgets it. It exits
// once the stopped pool has no workers left.
func (p *Pool) reaper() {
	for {
		select {
		case w := <-p.reap:
			<-w.done
			p.mu.Lock()
			delete(p.freeing, w.id)
			p.signalIfEmptyLocked()
			p.mu.Unlock()
		case <-p.empty:
			return
		}
	}
}

// LOCKS_REQUIRED(p.mu)
func (p *Pool) signalIfEmptyLocked() {
	if p.stopping && len(p.live) == 0 && len(p.freeing) == 0 {
		p.emptyOnce.Do(func() {
			close(p.empty)
			p.log.Info("pool stopped", logx.Uint64("executed", p.executed.Load()))
		})
	}
}

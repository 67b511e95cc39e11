package scheduler

import (
	"errors"
	"time"

	"hostwatch/internal/task/pool"
	logx "hostwatch/pkg/logx"
)

const warnThrottle = 5 * time.Second

// allowWarn reports whether a warning for key may be logged now.
func (s *Service) allowWarn(key string) bool {
	now := time.Now()
	s.warnMu.Lock()
	defer s.warnMu.Unlock()
	last := s.lastWarn[key]
	if !last.IsZero() && now.Sub(last) < warnThrottle {
		return false
	}
	s.lastWarn[key] = now
	return true
}

// forgetWarnings drops the throttle state of mid.
func (s *Service) forgetWarnings(mid string) {
	s.warnMu.Lock()
	delete(s.lastWarn, "dispatch:"+mid)
	delete(s.lastWarn, "send:"+mid)
	s.warnMu.Unlock()
}

func (s *Service) reportDispatchError(mid string, err error) {
	if err == nil {
		return
	}
	// Expected while shutting down.
	if errors.Is(err, pool.ErrStopped) {
		s.log.Debug("tick dropped; pool stopped", logx.String("mid", mid))
		return
	}
	if !s.allowWarn("dispatch:" + mid) {
		return
	}
	s.log.Warn("failed to dispatch module run",
		logx.String("mid", mid),
		logx.Int("pool_queue", s.pool.TaskCount()),
		logx.Int("pool_threads", s.pool.ThreadCount()),
		logx.Int("pool_max", s.pool.MaxThreads()),
		logx.Err(err),
	)
}

func (s *Service) reportSendError(mid string, err error) {
	if err == nil || !s.allowWarn("send:"+mid) {
		return
	}
	s.log.Warn("failed to forward module result", logx.String("mid", mid), logx.Err(err))
}

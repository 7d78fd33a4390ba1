package server

import (
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"golang.org/x/sys/unix"

	"github.com/calvinalkan/minikv/internal/cache"
	"github.com/calvinalkan/minikv/internal/connpool"
	"github.com/calvinalkan/minikv/internal/wire"
)

// Config sizes the loop's buffers and timeouts; see internal/config for
// the file/CLI-driven source of these values.
type Config struct {
	Port          int
	IdleTimeoutUs uint64
	Limits        wire.Limits
	PoolLimits    connpool.Limits
}

// Server drives one single-threaded, edge-triggered event loop: exactly
// the "one executor thread" the concurrency model requires. Every cache
// mutation and every socket read/write happens synchronously on this
// goroutine; the only other goroutines in the process are the cache's
// destruction workers, which never touch the pool, the cache's maps, or
// any Connection.
type Server struct {
	cfg     Config
	cache   *cache.Cache
	pool    *connpool.Pool
	poller  Poller
	parser  *wire.Parser
	logger  log.Logger
	listenFD int
}

// New constructs a Server bound to cfg.Port. It does not start listening
// until Run is called.
func New(cfg Config, c *cache.Cache, logger log.Logger) (*Server, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:    cfg,
		cache:  c,
		pool:   connpool.New(cfg.PoolLimits),
		poller: poller,
		parser: wire.NewParser(cfg.Limits),
		logger: logger,
	}, nil
}

// Run binds the listening socket and blocks, servicing connections until
// stop is closed. It returns the first fatal error encountered, or nil on
// a clean stop.
func (s *Server) Run(stop <-chan struct{}) error {
	fd, err := listen(s.cfg.Port)
	if err != nil {
		return err
	}

	s.listenFD = fd
	defer unix.Close(fd)

	if err := s.poller.Add(fd, false); err != nil {
		return err
	}

	defer s.poller.Close()

	level.Info(s.logger).Log("msg", "listening", "port", s.cfg.Port)

	for {
		select {
		case <-stop:
			level.Info(s.logger).Log("msg", "shutting down")
			return nil
		default:
		}

		nowUs := nowMicros()
		s.cache.Evict(nowUs)

		timeoutMs := s.nextWakeupMs(nowUs)

		events, err := s.poller.Wait(timeoutMs)
		if err != nil {
			return err
		}

		nowUs = nowMicros()

		for _, ev := range events {
			if ev.FD == s.listenFD {
				s.handleAccept()
				continue
			}

			s.handleEvent(ev, nowUs)
		}

		s.handleIdleTimeouts(nowUs)
	}
}

func nowMicros() uint64 {
	return uint64(time.Now().UnixMicro())
}

// nextWakeupMs computes the poll timeout from the idle list head and the
// cache's next TTL deadline, per §4.8's combined wake-up rule.
func (s *Server) nextWakeupMs(nowUs uint64) int {
	const maxWaitMs = 1000

	deadline := s.cache.NextExpiry()

	if head, ok := s.pool.IdleHead(); ok {
		idleDeadline := head.IdleDeadline(s.cfg.IdleTimeoutUs)
		if idleDeadline < deadline {
			deadline = idleDeadline
		}
	}

	if deadline == ^uint64(0) {
		return maxWaitMs
	}

	if deadline <= nowUs {
		return 0
	}

	waitMs := int((deadline - nowUs) / 1000)
	if waitMs > maxWaitMs {
		waitMs = maxWaitMs
	}

	return waitMs
}

func (s *Server) handleAccept() {
	err := acceptAll(s.listenFD, func(fd int) {
		c := s.pool.Acquire(fd, wire.ProtoBIN)
		s.pool.Touch(c, nowMicros())

		if err := s.poller.Add(fd, false); err != nil {
			level.Error(s.logger).Log("msg", "poller add failed", "fd", fd, "err", err)
			s.closeConnection(c)

			return
		}
	})
	if err != nil {
		level.Error(s.logger).Log("msg", "accept failed", "err", err)
	}
}

func (s *Server) handleIdleTimeouts(nowUs uint64) {
	for {
		head, ok := s.pool.IdleHead()
		if !ok || head.IdleDeadline(s.cfg.IdleTimeoutUs) > nowUs {
			return
		}

		level.Debug(s.logger).Log("msg", "idle timeout", "fd", head.FD)
		s.closeConnection(head)
	}
}

func (s *Server) closeConnection(c *connpool.Connection) {
	_ = s.poller.Remove(c.FD)
	_ = unix.Close(c.FD)
	c.State = connpool.StateClose
	s.pool.Release(c)
}

package room

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/frostbyte73/core"
)

const DefaultSweepInterval = 60 * time.Second

// Sweeper calls Service.Sweep on a fixed interval until stopped.
type Sweeper struct {
	svc      *Service
	interval time.Duration
	clock    clock.Clock

	stop core.Fuse
	done chan struct{}
}

func NewSweeper(svc *Service, interval time.Duration, clk clock.Clock) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Sweeper{
		svc:      svc,
		interval: interval,
		clock:    clk,
		done:     make(chan struct{}),
	}
}

func (s *Sweeper) Start() {
	ticker := s.clock.Ticker(s.interval)
	go s.run(ticker)
}

// Stop halts the sweeper and waits for an in-flight sweep to finish.
func (s *Sweeper) Stop() {
	s.stop.Break()
	<-s.done
}

func (s *Sweeper) run(ticker *clock.Ticker) {
	defer close(s.done)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.svc.Sweep()
		case <-s.stop.Watch():
			return
		}
	}
}

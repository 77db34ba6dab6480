package engine

import (
	"sync"
	"time"

	"github.com/nateabele/jsengine/internal/host"
	"github.com/nateabele/jsengine/internal/model"
)

// environment is one live host instance. mu is held for the whole of every
// run so that output is attributed to the run that produced it.
type environment struct {
	id        string
	createdAt time.Time
	inst      *host.Instance
	out       *routingSink

	mu sync.Mutex
}

func (env *environment) describe() *model.Env {
	return &model.Env{
		ID:            env.id,
		PendingTimers: env.inst.PendingTimers(),
		CreatedAt:     env.createdAt,
	}
}

// routingSink forwards console records to the writer of the run currently
// holding the environment, and to an optional echo sink.
type routingSink struct {
	mu    sync.Mutex
	write func(host.OutputRecord)
	echo  host.Sink
}

func (s *routingSink) Emit(rec host.OutputRecord) {
	outputLinesTotal.WithLabelValues(string(rec.Stream)).Inc()
	if s.echo != nil {
		s.echo.Emit(rec)
	}

	s.mu.Lock()
	write := s.write
	s.mu.Unlock()
	if write != nil {
		write(rec)
	}
}

func (s *routingSink) attach(write func(host.OutputRecord)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.write = write
}

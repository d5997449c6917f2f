package search

import (
	"context"
	_ "embed"
	"errors"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"reportlens/internal/apperr"
	"reportlens/internal/domain"
)

//go:embed mapping.json
var canonicalMapping []byte

// Mapping returns a copy of the canonical index mapping.
func Mapping() []byte {
	return append([]byte(nil), canonicalMapping...)
}

// ensureTimeout bounds the shared exists/create round trip.
const ensureTimeout = 30 * time.Second

// Manager owns the lifecycle of the report index.
type Manager struct {
	backend Backend
	index   string
	log     logrus.FieldLogger

	ensured atomic.Bool
	group   singleflight.Group
}

func NewManager(backend Backend, index string, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Manager{backend: backend, index: index, log: log.WithField("component", "index-lifecycle")}
}

func (m *Manager) Index() string { return m.index }

func (m *Manager) Backend() Backend { return m.backend }

// EnsureIndexExists creates the index with the canonical mapping when it is
// missing. Losing a creation race to another process counts as success.
// Concurrent callers in this process share one check.
func (m *Manager) EnsureIndexExists(ctx context.Context) error {
	if m.ensured.Load() {
		return nil
	}
	ch := m.group.DoChan(m.index, func() (any, error) {
		if m.ensured.Load() {
			return nil, nil
		}
		// Detached from the first caller; waiters stop on their own ctx.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), ensureTimeout)
		defer cancel()
		exists, err := m.backend.IndexExists(ctx, m.index)
		if err != nil {
			return nil, err
		}
		if !exists {
			err := m.backend.CreateIndex(ctx, m.index, Mapping())
			switch {
			case errors.Is(err, ErrIndexExists):
				m.log.WithField("index", m.index).Debug("index created concurrently")
			case err != nil:
				return nil, err
			default:
				m.log.WithField("index", m.index).Info("index created")
			}
		}
		m.ensured.Store(true)
		return nil, nil
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Health probes the backend without side effects. Connection problems are
// reported in the result, never as an error.
func (m *Manager) Health(ctx context.Context) domain.Health {
	var (
		h       domain.Health
		status  string
		exists  bool
		count   int64
		cluster error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		status, err = m.backend.ClusterHealth(gctx)
		cluster = err
		return nil
	})
	g.Go(func() error {
		var err error
		exists, err = m.backend.IndexExists(gctx, m.index)
		if err != nil {
			return nil
		}
		if exists {
			count, err = m.backend.Count(gctx, m.index)
			if err != nil {
				count = 0
			}
		}
		return nil
	})
	_ = g.Wait()

	if cluster != nil {
		h.Error = cluster.Error()
		if e, ok := apperr.As(cluster); ok && e.Kind != apperr.BackendUnavailable {
			h.Connected = true
		}
		if !h.Connected {
			return h
		}
	} else {
		h.Connected = true
		h.ClusterStatus = status
	}
	h.IndexExists = exists
	h.DocumentCount = count
	return h
}

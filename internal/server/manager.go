package server

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/client"
	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/metrics"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// =============================================================================
// Handle
// =============================================================================

// Handle addresses one hosted buffer between Start and Stop. It is a plain
// value and can be serialised and handed to other components.
type Handle struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Channels []string `json:"channels"`
	PID      int      `json:"pid"`
}

func (h Handle) String() string {
	return fmt.Sprintf("%s(%s)", h.Name, h.ID)
}

// Stats is a snapshot of a hosted buffer.
type Stats struct {
	Handle      Handle
	Channels    int
	Count       int64
	Flushed     int64
	Resident    int
	ChunkSize   int
	Flushes     int64
	FlushErrors int64
	Medium      string
	Path        string
	FlushP50    time.Duration
	FlushP99    time.Duration

	// Calls summarises the round trips made through the handle.
	Calls metrics.LatencyStats
}

func (s Stats) String() string {
	return fmt.Sprintf("%s pid=%d count=%d flushed=%d resident=%d/%d flushes=%d errors=%d medium=%s flush_p99=%s",
		s.Handle, s.Handle.PID, s.Count, s.Flushed, s.Resident, s.ChunkSize, s.Flushes, s.FlushErrors, s.Medium, s.FlushP99)
}

// =============================================================================
// Manager
// =============================================================================

// Manager starts hosted buffers and owns the mapping from the handles it
// issues to their connections. All methods are safe for concurrent use.
type Manager struct {
	launcher    Launcher
	exitTimeout time.Duration

	mu    sync.Mutex
	hosts map[string]*hosted
}

type hosted struct {
	handle  Handle
	host    Host
	client  *client.Client
	latency *metrics.Latency
}

// NewManager creates a manager that starts hosts with launcher. A nil
// launcher starts child processes of the current executable.
func NewManager(launcher Launcher) *Manager {
	if launcher == nil {
		launcher = &ProcessLauncher{}
	}
	return &Manager{
		launcher:    launcher,
		exitTimeout: defaults.DefaultHostExitTimeout,
		hosts:       make(map[string]*hosted),
	}
}

// Start hosts a new buffer with the given channels and backing name and
// returns its handle once the host accepts requests.
func (m *Manager) Start(ctx context.Context, channels []string, name string) (Handle, error) {
	return m.StartWithConfig(ctx, config.New(channels, name))
}

// StartWithConfig is Start with a full buffer configuration.
func (m *Manager) StartWithConfig(ctx context.Context, cfg *config.Config) (Handle, error) {
	if err := cfg.Validate(); err != nil {
		return Handle{}, err
	}
	data, err := cfg.Marshal()
	if err != nil {
		return Handle{}, fmt.Errorf("encode config: %w", err)
	}

	host, err := m.launcher.Launch(ctx)
	if err != nil {
		return Handle{}, errors.ConnectionLost(err)
	}

	c := client.New(host.Conn())
	if err := c.Init(ctx, data, cfg.BackingName); err != nil {
		c.Close()
		m.reap(host)
		return Handle{}, err
	}

	h := Handle{
		ID:       uuid.NewString(),
		Name:     cfg.BackingName,
		Channels: append([]string(nil), cfg.Channels...),
		PID:      host.PID(),
	}

	m.mu.Lock()
	m.hosts[h.ID] = &hosted{
		handle:  h,
		host:    host,
		client:  c,
		latency: metrics.NewLatency("call"),
	}
	m.mu.Unlock()

	log.Info("buffer started", "handle", h.ID, "name", h.Name, "pid", h.PID, "channels", len(h.Channels))
	return h, nil
}

func (m *Manager) lookup(h Handle) (*hosted, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.hosts[h.ID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrHandleInvalid, h)
	}
	return e, nil
}

// call runs fn against the handle's client and records its latency.
func (m *Manager) call(h Handle, fn func(c *client.Client) error) error {
	e, err := m.lookup(h)
	if err != nil {
		return err
	}
	start := time.Now()
	err = fn(e.client)
	e.latency.Since(start)
	return err
}

// Append appends rec to the hosted buffer.
func (m *Manager) Append(ctx context.Context, h Handle, rec types.Record) error {
	return m.call(h, func(c *client.Client) error {
		return c.Append(ctx, rec)
	})
}

// Count returns the number of records committed to the hosted buffer.
func (m *Manager) Count(ctx context.Context, h Handle) (int64, error) {
	var n int64
	err := m.call(h, func(c *client.Client) (err error) {
		n, err = c.Count(ctx)
		return err
	})
	return n, err
}

// GetData returns the records at [start, end) of the hosted buffer.
func (m *Manager) GetData(ctx context.Context, h Handle, start, end int64) ([]types.Record, error) {
	var recs []types.Record
	err := m.call(h, func(c *client.Client) (err error) {
		recs, err = c.GetData(ctx, start, end)
		return err
	})
	return recs, err
}

// Flush forces the hosted buffer's resident records to its medium.
func (m *Manager) Flush(ctx context.Context, h Handle) error {
	return m.call(h, func(c *client.Client) error {
		return c.Flush(ctx)
	})
}

// Stats returns a snapshot of the hosted buffer.
func (m *Manager) Stats(ctx context.Context, h Handle) (Stats, error) {
	e, err := m.lookup(h)
	if err != nil {
		return Stats{}, err
	}

	s, err := e.client.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}

	return Stats{
		Handle:      e.handle,
		Channels:    int(s.Channels),
		Count:       s.Count,
		Flushed:     s.Flushed,
		Resident:    int(s.Resident),
		ChunkSize:   int(s.ChunkSize),
		Flushes:     s.Flushes,
		FlushErrors: s.FlushErrors,
		Medium:      s.Medium,
		Path:        s.Path,
		FlushP50:    time.Duration(s.FlushP50Nano),
		FlushP99:    time.Duration(s.FlushP99Nano),
		Calls:       e.latency.Stats(),
	}, nil
}

// Latency returns the call latency summary of a handle.
func (m *Manager) Latency(h Handle) (metrics.LatencyStats, error) {
	e, err := m.lookup(h)
	if err != nil {
		return metrics.LatencyStats{}, err
	}
	return e.latency.Stats(), nil
}

// Handles returns the live handles ordered by name.
func (m *Manager) Handles() []Handle {
	m.mu.Lock()
	out := make([]Handle, 0, len(m.hosts))
	for _, e := range m.hosts {
		out = append(out, e.handle)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Stop cleans the hosted buffer up and waits until its host has exited. The
// handle is invalid afterwards even if Stop fails.
//
// Stop is not cancelable: ctx only carries logging values. A host that does
// not exit within the exit timeout after answering is killed.
func (m *Manager) Stop(ctx context.Context, h Handle) error {
	m.mu.Lock()
	e, ok := m.hosts[h.ID]
	delete(m.hosts, h.ID)
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", errors.ErrHandleInvalid, h)
	}

	err := e.client.Stop(context.WithoutCancel(ctx))
	if err != nil {
		log.Warn("stop failed", "handle", h.ID, "error", err)
	}
	e.client.Close()
	m.reap(e.host)

	log.Info("buffer stopped", "handle", h.ID, "name", h.Name, "calls", e.latency.Count())
	return err
}

// reap waits for host to exit, killing it after the exit timeout.
func (m *Manager) reap(host Host) {
	select {
	case <-host.Done():
		return
	case <-time.After(m.exitTimeout):
	}

	log.Warn("host did not exit, killing it", "pid", host.PID())
	if err := host.Kill(); err != nil {
		log.Error("failed to kill host", "pid", host.PID(), "error", err)
	}
	<-host.Done()
}

// StopAll stops every live handle in parallel. Errors are joined.
func (m *Manager) StopAll(ctx context.Context) error {
	handles := m.Handles()

	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	for _, h := range handles {
		h := h
		g.Go(func() error {
			if err := m.Stop(ctx, h); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("stop %s: %w", h, err))
				mu.Unlock()
			}
			return nil
		})
	}
	g.Wait()

	return errors.Join(errs...)
}

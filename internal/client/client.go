// Package client talks to one hosted buffer over its connection.
//
// A Client owns the connection to exactly one hosted buffer. Calls are
// serialised, so at most one request is outstanding and a single caller's
// requests are answered in the order sent. A background read loop routes
// replies by request ID; when the stream ends or breaks every pending and
// later call fails with ErrConnectionLost instead of blocking.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/storage/types"
	"github.com/xtxerr/acqbuf/internal/wire"
)

var log = logging.Component("client")

// =============================================================================
// State Machine
// =============================================================================

// State is the connection state of a client.
type State int32

const (
	StateConnected State = iota
	StateBroken
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateBroken:
		return "broken"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("unknown(%d)", s)
	}
}

type stateTransition struct {
	from State
	to   State
}

var validTransitions = map[stateTransition]bool{
	{StateConnected, StateBroken}: true,
	{StateConnected, StateClosed}: true,
	{StateBroken, StateClosed}:    true,
}

// ErrClientClosed is returned by calls after Close.
var ErrClientClosed = errors.New("client is closed")

// =============================================================================
// Client
// =============================================================================

// Client is a connection to one hosted buffer.
type Client struct {
	conn io.ReadWriteCloser
	wire *wire.Conn

	state atomic.Int32

	// callMu serialises calls: one outstanding request per connection.
	callMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan *wire.Message
	requestID atomic.Uint64

	// cause is the error that broke the connection, set once before done closes.
	cause error
	done  chan struct{}
	once  sync.Once
}

// New wraps conn and starts the read loop. The client owns conn.
func New(conn io.ReadWriteCloser) *Client {
	c := &Client{
		conn:    conn,
		wire:    wire.NewConn(conn),
		pending: make(map[uint64]chan *wire.Message),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Client) getState() State {
	return State(c.state.Load())
}

func (c *Client) transitionFrom(from, to State) bool {
	if !validTransitions[stateTransition{from: from, to: to}] {
		return false
	}
	return c.state.CompareAndSwap(int32(from), int32(to))
}

// State returns the current connection state.
func (c *Client) State() State {
	return c.getState()
}

// Done is closed once the connection can no longer carry calls.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns the error that ended the connection, or nil while it is usable.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// fail marks the connection unusable. Only the first cause is kept.
func (c *Client) fail(cause error) {
	c.once.Do(func() {
		c.cause = cause
		close(c.done)
		c.conn.Close()
	})
}

// Close releases the connection. In-flight calls fail with ErrConnectionLost.
func (c *Client) Close() error {
	for {
		s := c.getState()
		if s == StateClosed {
			return nil
		}
		if c.transitionFrom(s, StateClosed) {
			break
		}
	}
	c.fail(errors.ConnectionLost(ErrClientClosed))
	return nil
}

// =============================================================================
// Read Loop
// =============================================================================

func (c *Client) readLoop() {
	for {
		msg, err := c.wire.Read()
		if err != nil {
			if c.transitionFrom(StateConnected, StateBroken) {
				log.Debug("connection ended", "error", err)
			}
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			c.fail(errors.ConnectionLost(err))
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ID]
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()

		if !ok {
			log.Warn("dropping unexpected reply", "id", msg.ID, "kind", msg.Kind)
			continue
		}
		ch <- msg
	}
}

// =============================================================================
// Request/Response
// =============================================================================

// Call sends req and waits for its reply. Error replies are returned as
// errors matching the sentinel of their code.
//
// If ctx ends first the call fails with ErrConnectionLost and the connection
// is broken: a late reply would otherwise be taken for the next call's.
func (c *Client) Call(ctx context.Context, req *wire.Message) (*wire.Message, error) {
	c.callMu.Lock()
	defer c.callMu.Unlock()

	if c.getState() != StateConnected {
		<-c.done
		return nil, c.cause
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.ConnectionLost(err)
	}

	id := c.requestID.Add(1)
	req.ID = id
	ch := make(chan *wire.Message, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
	}()

	if err := c.wire.Write(req); err != nil {
		// Nothing was sent for an oversized request.
		if errors.Is(err, errors.ErrTooLarge) {
			return nil, err
		}
		c.transitionFrom(StateConnected, StateBroken)
		c.fail(errors.ConnectionLost(err))
		return nil, c.cause
	}

	select {
	case resp := <-ch:
		return checkReply(req, resp)

	case <-c.done:
		// The reply may have been routed just before the stream ended.
		select {
		case resp := <-ch:
			return checkReply(req, resp)
		default:
			return nil, c.cause
		}

	case <-ctx.Done():
		c.transitionFrom(StateConnected, StateBroken)
		c.fail(errors.ConnectionLost(ctx.Err()))
		return nil, errors.ConnectionLost(ctx.Err())
	}
}

func checkReply(req, resp *wire.Message) (*wire.Message, error) {
	if err := resp.Err(); err != nil {
		return nil, err
	}
	if resp.Kind != wire.KindReply {
		return nil, fmt.Errorf("unexpected %s reply to %s: %w", resp.Kind, req.Kind, errors.ErrInternal)
	}
	return resp, nil
}

// =============================================================================
// Buffer Operations
// =============================================================================

// Init sends the buffer configuration and waits until the host is ready.
func (c *Client) Init(ctx context.Context, cfg []byte, name string) error {
	_, err := c.Call(ctx, &wire.Message{
		Kind: wire.KindInit,
		Init: &wire.Init{Config: cfg, Name: name},
	})
	return err
}

// Append appends one record.
func (c *Client) Append(ctx context.Context, rec types.Record) error {
	_, err := c.Call(ctx, &wire.Message{Kind: wire.KindAppend, Record: &rec})
	return err
}

// Count returns the number of committed records.
func (c *Client) Count(ctx context.Context) (int64, error) {
	resp, err := c.Call(ctx, &wire.Message{Kind: wire.KindCount})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// GetData returns the records at [start, end). A range that does not fit
// into one reply frame is fetched in several calls.
func (c *Client) GetData(ctx context.Context, start, end int64) ([]types.Record, error) {
	var out []types.Record
	for {
		resp, err := c.Call(ctx, &wire.Message{Kind: wire.KindGetData, Start: start, End: end})
		if err != nil {
			return nil, err
		}
		if out == nil && resp.Next == 0 {
			out = resp.Records
			break
		}
		out = append(out, resp.Records...)
		if resp.Next == 0 {
			break
		}
		if resp.Next <= start || resp.Next >= resp.End {
			return nil, fmt.Errorf("partial reply for [%d, %d) continues at %d of %d: %w",
				start, end, resp.Next, resp.End, errors.ErrInternal)
		}
		start, end = resp.Next, resp.End
	}

	if out == nil {
		return []types.Record{}, nil
	}
	return out, nil
}

// Flush forces resident records to the medium.
func (c *Client) Flush(ctx context.Context) error {
	_, err := c.Call(ctx, &wire.Message{Kind: wire.KindFlush})
	return err
}

// Stats returns the hosted buffer statistics.
func (c *Client) Stats(ctx context.Context) (*wire.Stats, error) {
	resp, err := c.Call(ctx, &wire.Message{Kind: wire.KindStats})
	if err != nil {
		return nil, err
	}
	if resp.Stats == nil {
		return &wire.Stats{}, nil
	}
	return resp.Stats, nil
}

// Stop asks the host to clean up its buffer and exit. The host answers
// before it exits, so a cleanup error is still returned.
func (c *Client) Stop(ctx context.Context) error {
	_, err := c.Call(ctx, &wire.Message{Kind: wire.KindStop})
	return err
}

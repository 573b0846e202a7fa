// Package server hosts buffers in isolated execution contexts and issues the
// handles that address them.
//
// A hosted buffer runs Serve: a single receive-dispatch-respond loop over one
// connection. The first request must be Init, which carries the buffer
// configuration; the host answers once the buffer exists and is accepting
// requests. Stop cleans the buffer up, answers and ends the loop.
//
// Launchers create the execution context: ProcessLauncher starts a child
// process that talks over its stdin and stdout, InProcessLauncher runs Serve
// on a goroutine behind an in-memory pipe. Manager starts hosts through a
// launcher and maps the handles it issues to their connections.
package server

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	defaults "github.com/xtxerr/acqbuf/config"
	"github.com/xtxerr/acqbuf/internal/errors"
	"github.com/xtxerr/acqbuf/internal/logging"
	"github.com/xtxerr/acqbuf/internal/storage/buffer"
	"github.com/xtxerr/acqbuf/internal/storage/config"
	"github.com/xtxerr/acqbuf/internal/storage/types"
	"github.com/xtxerr/acqbuf/internal/wire"
)

var log = logging.Component("server")

// errNoInit is returned when a connection does not start with Init.
var errNoInit = errors.New("first message must be init")

// Serve runs one hosted buffer over conn until Stop is handled, the
// connection ends, or ctx is done. A buffer that is still open when the loop
// ends is cleaned up.
//
// If conn is an io.Closer it is closed when ctx is done, which unblocks the
// pending read.
func Serve(ctx context.Context, conn io.ReadWriter) error {
	w := wire.NewConn(conn)

	if c, ok := conn.(io.Closer); ok {
		stop := context.AfterFunc(ctx, func() { c.Close() })
		defer stop()
	}

	msg, err := w.Read()
	if err != nil {
		return fmt.Errorf("read init: %w", err)
	}
	if msg.Kind != wire.KindInit || msg.Init == nil {
		w.Write(wire.NewError(msg.ID, errors.CodeInternal, errNoInit.Error()))
		return errNoInit
	}

	h, err := newHost(msg.Init)
	if err != nil {
		if werr := w.Write(wire.NewErrorFromErr(msg.ID, err)); werr != nil {
			log.Warn("failed to send init error", "error", werr)
		}
		return err
	}
	defer h.close()

	if err := w.Write(wire.NewReply(msg.ID)); err != nil {
		return fmt.Errorf("send ready: %w", err)
	}
	h.log.Info("hosted buffer ready", "pid", os.Getpid(), "path", h.buf.Path())

	for {
		req, err := w.Read()
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				h.log.Warn("connection ended before stop", "error", err)
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp, stop := h.dispatch(req)
		resp.ID = req.ID
		err = w.Write(resp)
		if errors.Is(err, errors.ErrTooLarge) {
			h.log.Warn("reply does not fit into a frame", "request", req.Kind, "error", err)
			err = w.Write(wire.NewErrorFromErr(req.ID, err))
		}
		if err != nil {
			return fmt.Errorf("send %s reply: %w", req.Kind, err)
		}
		if stop {
			h.log.Info("hosted buffer stopped")
			return nil
		}
	}
}

// pageBytes bounds the records carried by one get_data reply, leaving room
// for the other reply fields.
var pageBytes = defaults.DefaultMaxMessageSize - 1024

// host is the state of one Serve loop. It is only touched by that loop.
type host struct {
	buf *buffer.Buffer
	log *slog.Logger

	// recordSize is the wire size of a record without aux.
	recordSize int
}

func newHost(init *wire.Init) (*host, error) {
	cfg, err := config.Parse(init.Config)
	if err != nil {
		return nil, err
	}

	buf, err := buffer.New(cfg)
	if err != nil {
		return nil, err
	}

	return &host{
		buf:        buf,
		log:        log.With("buffer", init.Name),
		recordSize: wire.RecordSize(&types.Record{Values: make([]float64, len(cfg.Channels))}),
	}, nil
}

func (h *host) close() {
	if h.buf.Closed() {
		return
	}
	if err := h.buf.Cleanup(); err != nil {
		h.log.Error("cleanup failed", "error", err)
	}
}

// dispatch runs one request against the buffer. It reports whether the loop
// must end after the reply is sent.
func (h *host) dispatch(req *wire.Message) (*wire.Message, bool) {
	switch req.Kind {
	case wire.KindAppend:
		if req.Record == nil {
			return wire.NewErrorf(req.ID, errors.CodeInternal, "append without record"), false
		}
		if err := h.buf.Append(*req.Record); err != nil {
			return wire.NewErrorFromErr(req.ID, err), false
		}
		return wire.NewReply(req.ID), false

	case wire.KindCount:
		resp := wire.NewReply(req.ID)
		resp.Count = h.buf.Count()
		return resp, false

	case wire.KindGetData:
		return h.getData(req), false

	case wire.KindFlush:
		if err := h.buf.Flush(); err != nil {
			return wire.NewErrorFromErr(req.ID, err), false
		}
		return wire.NewReply(req.ID), false

	case wire.KindStats:
		resp := wire.NewReply(req.ID)
		resp.Stats = h.stats()
		return resp, false

	case wire.KindStop:
		if err := h.buf.Cleanup(); err != nil {
			h.log.Error("cleanup failed", "error", err)
			return wire.NewErrorFromErr(req.ID, err), true
		}
		return wire.NewReply(req.ID), true

	case wire.KindInit:
		return wire.NewErrorf(req.ID, errors.CodeInternal, "buffer already initialised"), false

	default:
		return wire.NewErrorf(req.ID, errors.CodeInternal, "unsupported request %s", req.Kind), false
	}
}

// getData answers with as many records of [Start, End) as fit into one
// frame. A partial reply sets Next to the first record left out and End to
// the clamped end of the range, and the client asks again from Next.
func (h *host) getData(req *wire.Message) *wire.Message {
	count := h.buf.Count()

	// Read no more than one page, assuming records without aux.
	limit := int64(max(pageBytes/h.recordSize, 1))
	end := req.End
	if req.Start >= 0 && end-req.Start > limit {
		end = req.Start + limit
	}

	recs, err := h.buf.Query(req.Start, end)
	if err != nil {
		var re *errors.RangeError
		if errors.As(err, &re) {
			re.End = req.End
		}
		return wire.NewErrorFromErr(req.ID, err)
	}

	n, size := 0, 0
	for n < len(recs) {
		s := wire.RecordSize(&recs[n])
		if n > 0 && size+s > pageBytes {
			break
		}
		size += s
		n++
	}

	resp := wire.NewReply(req.ID)
	resp.Records = recs[:n]

	if next, last := req.Start+int64(n), min(req.End, count); next < last {
		resp.Next = next
		resp.End = last
		h.log.Debug("partial get_data reply", "start", req.Start, "next", next, "end", last, "bytes", size)
	}
	return resp
}

func (h *host) stats() *wire.Stats {
	s := h.buf.Stats()
	return &wire.Stats{
		Channels:     int64(s.Channels),
		Count:        s.Count,
		Flushed:      s.Flushed,
		Resident:     int64(s.Resident),
		ChunkSize:    int64(s.ChunkSize),
		Flushes:      s.Flushes,
		FlushErrors:  s.FlushErrors,
		Medium:       s.Medium,
		Path:         s.Path,
		FlushP50Nano: int64(s.FlushLatency.P50),
		FlushP99Nano: int64(s.FlushLatency.P99),
		PID:          int64(os.Getpid()),
	}
}

package wire

import (
	"fmt"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// Kind identifies the operation carried by a message.
type Kind int32

const (
	KindUnknown Kind = 0

	// Requests
	KindInit    Kind = 1
	KindAppend  Kind = 2
	KindCount   Kind = 3
	KindGetData Kind = 4
	KindFlush   Kind = 5
	KindStats   Kind = 6
	KindStop    Kind = 7

	// Responses
	KindReply Kind = 16
	KindError Kind = 17
)

func (k Kind) String() string {
	switch k {
	case KindInit:
		return "init"
	case KindAppend:
		return "append"
	case KindCount:
		return "count"
	case KindGetData:
		return "get_data"
	case KindFlush:
		return "flush"
	case KindStats:
		return "stats"
	case KindStop:
		return "stop"
	case KindReply:
		return "reply"
	case KindError:
		return "error"
	default:
		return fmt.Sprintf("Kind(%d)", int32(k))
	}
}

// IsRequest reports whether k is sent by a client.
func (k Kind) IsRequest() bool {
	return k >= KindInit && k <= KindStop
}

// Message is one frame of the hosted buffer protocol. Only the fields of its
// kind are set.
//
// Field numbers:
//
//	1 id       varint
//	2 kind     varint
//	3 error    Error
//	4 init     Init
//	5 record   Record
//	6 records  repeated Record
//	7 start    varint
//	8 end      varint
//	9 count    varint
//	10 stats   Stats
//	11 next    varint
type Message struct {
	ID   uint64
	Kind Kind

	Error *Error
	Init  *Init

	Record  *types.Record
	Records []types.Record

	Start int64
	End   int64
	Count int64

	Stats *Stats

	// Next is set on a get_data reply that holds only the first part of the
	// range. It is the index to ask for next; End then holds the clamped end.
	Next int64
}

// Error is a failed reply.
type Error struct {
	Code    int32  // 1
	Message string // 2
}

// Init asks the host to construct its buffer.
type Init struct {
	Config []byte // 1: YAML buffer configuration
	Name   string // 2: handle name used in host logs
}

// Stats is the wire form of buffer statistics.
type Stats struct {
	Channels     int64  // 1
	Count        int64  // 2
	Flushed      int64  // 3
	Resident     int64  // 4
	ChunkSize    int64  // 5
	Flushes      int64  // 6
	FlushErrors  int64  // 7
	Medium       string // 8
	Path         string // 9
	FlushP50Nano int64  // 10
	FlushP99Nano int64  // 11
	PID          int64  // 12
}

package wire

import (
	"fmt"
	"math"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/xtxerr/acqbuf/internal/storage/types"
)

// Marshal encodes m in protobuf wire format.
func Marshal(m *Message) []byte {
	var b []byte

	if m.ID != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, m.ID)
	}
	if m.Kind != KindUnknown {
		b = protowire.AppendTag(b, 2, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(m.Kind))
	}
	if m.Error != nil {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalError(m.Error))
	}
	if m.Init != nil {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalInit(m.Init))
	}
	if m.Record != nil {
		b = protowire.AppendTag(b, 5, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(m.Record))
	}
	for i := range m.Records {
		b = protowire.AppendTag(b, 6, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalRecord(&m.Records[i]))
	}
	b = appendInt(b, 7, m.Start)
	b = appendInt(b, 8, m.End)
	b = appendInt(b, 9, m.Count)
	if m.Stats != nil {
		b = protowire.AppendTag(b, 10, protowire.BytesType)
		b = protowire.AppendBytes(b, marshalStats(m.Stats))
	}
	b = appendInt(b, 11, m.Next)

	return b
}

func appendInt(b []byte, num protowire.Number, v int64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, protowire.EncodeZigZag(v))
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func marshalError(e *Error) []byte {
	var b []byte
	if e.Code != 0 {
		b = protowire.AppendTag(b, 1, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(e.Code))
	}
	return appendString(b, 2, e.Message)
}

func marshalInit(in *Init) []byte {
	var b []byte
	if len(in.Config) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, in.Config)
	}
	return appendString(b, 2, in.Name)
}

// marshalRecord encodes values as packed doubles (1), the timestamp as a
// double (2) and a non-empty aux payload as bytes (3).
func marshalRecord(r *types.Record) []byte {
	b := make([]byte, 0, 16+len(r.Values)*8+len(r.Aux))

	if len(r.Values) > 0 {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendVarint(b, uint64(len(r.Values)*8))
		for _, v := range r.Values {
			b = protowire.AppendFixed64(b, math.Float64bits(v))
		}
	}

	b = protowire.AppendTag(b, 2, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(r.Timestamp))

	if len(r.Aux) > 0 {
		b = protowire.AppendTag(b, 3, protowire.BytesType)
		b = protowire.AppendBytes(b, r.Aux)
	}

	return b
}

// RecordSize returns the number of bytes r adds to a message's records.
func RecordSize(r *types.Record) int {
	n := protowire.SizeTag(2) + 8
	if len(r.Values) > 0 {
		n += protowire.SizeTag(1) + protowire.SizeBytes(len(r.Values)*8)
	}
	if len(r.Aux) > 0 {
		n += protowire.SizeTag(3) + protowire.SizeBytes(len(r.Aux))
	}
	return protowire.SizeTag(6) + protowire.SizeBytes(n)
}

func marshalStats(s *Stats) []byte {
	var b []byte
	b = appendInt(b, 1, s.Channels)
	b = appendInt(b, 2, s.Count)
	b = appendInt(b, 3, s.Flushed)
	b = appendInt(b, 4, s.Resident)
	b = appendInt(b, 5, s.ChunkSize)
	b = appendInt(b, 6, s.Flushes)
	b = appendInt(b, 7, s.FlushErrors)
	b = appendString(b, 8, s.Medium)
	b = appendString(b, 9, s.Path)
	b = appendInt(b, 10, s.FlushP50Nano)
	b = appendInt(b, 11, s.FlushP99Nano)
	b = appendInt(b, 12, s.PID)
	return b
}

// =============================================================================
// Decoding
// =============================================================================

// Unmarshal decodes a message produced by Marshal. Unknown fields are skipped.
func Unmarshal(data []byte) (*Message, error) {
	m := &Message{}

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			m.ID = x
		case num == 2 && typ == protowire.VarintType:
			m.Kind = Kind(x)
		case num == 3 && typ == protowire.BytesType:
			e, err := unmarshalError(v)
			if err != nil {
				return fmt.Errorf("error: %w", err)
			}
			m.Error = e
		case num == 4 && typ == protowire.BytesType:
			in, err := unmarshalInit(v)
			if err != nil {
				return fmt.Errorf("init: %w", err)
			}
			m.Init = in
		case num == 5 && typ == protowire.BytesType:
			r, err := unmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("record: %w", err)
			}
			m.Record = &r
		case num == 6 && typ == protowire.BytesType:
			r, err := unmarshalRecord(v)
			if err != nil {
				return fmt.Errorf("records[%d]: %w", len(m.Records), err)
			}
			m.Records = append(m.Records, r)
		case num == 7 && typ == protowire.VarintType:
			m.Start = protowire.DecodeZigZag(x)
		case num == 8 && typ == protowire.VarintType:
			m.End = protowire.DecodeZigZag(x)
		case num == 9 && typ == protowire.VarintType:
			m.Count = protowire.DecodeZigZag(x)
		case num == 10 && typ == protowire.BytesType:
			s, err := unmarshalStats(v)
			if err != nil {
				return fmt.Errorf("stats: %w", err)
			}
			m.Stats = s
		case num == 11 && typ == protowire.VarintType:
			m.Next = protowire.DecodeZigZag(x)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return m, nil
}

// walk calls fn for every field in data. Length-delimited fields pass their
// contents in v; varint and fixed fields pass their value in x.
func walk(data []byte, fn func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return fmt.Errorf("invalid tag: %w", protowire.ParseError(n))
		}
		data = data[n:]

		var v []byte
		var x uint64

		switch typ {
		case protowire.VarintType:
			x, n = protowire.ConsumeVarint(data)
		case protowire.Fixed64Type:
			x, n = protowire.ConsumeFixed64(data)
		case protowire.Fixed32Type:
			var x32 uint32
			x32, n = protowire.ConsumeFixed32(data)
			x = uint64(x32)
		case protowire.BytesType:
			v, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
		}
		if n < 0 {
			return fmt.Errorf("field %d: %w", num, protowire.ParseError(n))
		}
		data = data[n:]

		if err := fn(num, typ, v, x); err != nil {
			return err
		}
	}
	return nil
}

func unmarshalError(data []byte) (*Error, error) {
	e := &Error{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.VarintType:
			e.Code = int32(x)
		case num == 2 && typ == protowire.BytesType:
			e.Message = string(v)
		}
		return nil
	})
	return e, err
}

func unmarshalInit(data []byte) (*Init, error) {
	in := &Init{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			in.Config = append([]byte(nil), v...)
		case num == 2 && typ == protowire.BytesType:
			in.Name = string(v)
		}
		return nil
	})
	return in, err
}

func unmarshalRecord(data []byte) (types.Record, error) {
	var r types.Record
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		switch {
		case num == 1 && typ == protowire.BytesType:
			if len(v)%8 != 0 {
				return fmt.Errorf("packed values: %d bytes is not a multiple of 8", len(v))
			}
			values := make([]float64, 0, len(r.Values)+len(v)/8)
			values = append(values, r.Values...)
			for len(v) > 0 {
				bits, n := protowire.ConsumeFixed64(v)
				values = append(values, math.Float64frombits(bits))
				v = v[n:]
			}
			r.Values = values
		case num == 1 && typ == protowire.Fixed64Type:
			r.Values = append(r.Values, math.Float64frombits(x))
		case num == 2 && typ == protowire.Fixed64Type:
			r.Timestamp = math.Float64frombits(x)
		case num == 3 && typ == protowire.BytesType:
			if len(v) > 0 {
				r.Aux = append([]byte(nil), v...)
			}
		}
		return nil
	})
	return r, err
}

func unmarshalStats(data []byte) (*Stats, error) {
	s := &Stats{}
	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, x uint64) error {
		if typ == protowire.BytesType {
			switch num {
			case 8:
				s.Medium = string(v)
			case 9:
				s.Path = string(v)
			}
			return nil
		}
		if typ != protowire.VarintType {
			return nil
		}

		i := protowire.DecodeZigZag(x)
		switch num {
		case 1:
			s.Channels = i
		case 2:
			s.Count = i
		case 3:
			s.Flushed = i
		case 4:
			s.Resident = i
		case 5:
			s.ChunkSize = i
		case 6:
			s.Flushes = i
		case 7:
			s.FlushErrors = i
		case 10:
			s.FlushP50Nano = i
		case 11:
			s.FlushP99Nano = i
		case 12:
			s.PID = i
		}
		return nil
	})
	return s, err
}

package types

import (
	"fmt"
	"math"
	"strings"
)

// Record is one timestamped multi-channel sample.
// This is the primary data unit flowing through the storage system.
//
// Records are values: the buffer copies Values and Aux when a record is
// appended, so a committed record never changes.
type Record struct {
	// Values holds one sample per channel, in channel order.
	Values []float64

	// Timestamp is assigned by the acquisition driver, typically a monotonic
	// clock reading in seconds. The store does not check ordering.
	Timestamp float64

	// Aux is an optional opaque payload, e.g. a trigger marker. Empty means absent.
	Aux []byte
}

// NewRecord creates a record.
func NewRecord(values []float64, timestamp float64, aux []byte) Record {
	return Record{Values: values, Timestamp: timestamp, Aux: aux}
}

// Width returns the number of channel values.
func (r *Record) Width() int {
	return len(r.Values)
}

// HasAux reports whether an auxiliary payload is present.
func (r *Record) HasAux() bool {
	return len(r.Aux) > 0
}

// Clone returns a deep copy with an empty Aux normalised to nil.
func (r Record) Clone() Record {
	out := Record{Timestamp: r.Timestamp}
	if r.Values != nil {
		out.Values = make([]float64, len(r.Values))
		copy(out.Values, r.Values)
	}
	if len(r.Aux) > 0 {
		out.Aux = make([]byte, len(r.Aux))
		copy(out.Aux, r.Aux)
	}
	return out
}

// Equal reports whether two records are bit-identical.
// NaN values compare equal when their bit patterns match.
func (r *Record) Equal(o *Record) bool {
	if math.Float64bits(r.Timestamp) != math.Float64bits(o.Timestamp) {
		return false
	}
	if len(r.Values) != len(o.Values) || len(r.Aux) != len(o.Aux) {
		return false
	}
	for i := range r.Values {
		if math.Float64bits(r.Values[i]) != math.Float64bits(o.Values[i]) {
			return false
		}
	}
	for i := range r.Aux {
		if r.Aux[i] != o.Aux[i] {
			return false
		}
	}
	return true
}

// String returns a compact representation for logs and demos.
func (r Record) String() string {
	var b strings.Builder
	b.WriteString("Record(")
	fmt.Fprintf(&b, "ts=%g, values=[", r.Timestamp)
	for i, v := range r.Values {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%g", v)
	}
	b.WriteString("]")
	if r.HasAux() {
		fmt.Fprintf(&b, ", aux=%q", r.Aux)
	}
	b.WriteString(")")
	return b.String()
}

// RecordBatch represents a run of consecutive records starting at First.
type RecordBatch struct {
	First   int64
	Records []Record
}

// End returns the sequence number one past the last record.
func (b *RecordBatch) End() int64 {
	return b.First + int64(len(b.Records))
}

// Len returns the number of records in the batch.
func (b *RecordBatch) Len() int {
	return len(b.Records)
}

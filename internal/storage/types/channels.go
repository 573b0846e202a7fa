package types

import (
	"fmt"
	"strings"

	"github.com/xtxerr/acqbuf/internal/errors"
)

// Channels is the ordered set of channel names that fixes the shape of every
// record in a buffer.
type Channels []string

// Validate checks that the list is non-empty and that names are non-blank and unique.
func (c Channels) Validate() error {
	if len(c) == 0 {
		return errors.NewValidation("channels", "at least one channel is required")
	}

	seen := make(map[string]int, len(c))
	for i, name := range c {
		if strings.TrimSpace(name) == "" {
			return errors.NewInvalidValue("channel", i, "name is blank")
		}
		if j, ok := seen[name]; ok {
			return errors.NewInvalidValue("channel", name, fmt.Sprintf("duplicate of channel %d", j))
		}
		seen[name] = i
	}
	return nil
}

// Len returns the channel count.
func (c Channels) Len() int {
	return len(c)
}

// Index returns the position of name, or -1.
func (c Channels) Index(name string) int {
	for i, n := range c {
		if n == name {
			return i
		}
	}
	return -1
}

// Clone returns a copy of the list.
func (c Channels) Clone() Channels {
	out := make(Channels, len(c))
	copy(out, c)
	return out
}

// CheckShape returns a ShapeError if rec does not have one value per channel.
func (c Channels) CheckShape(rec *Record) error {
	if len(rec.Values) != len(c) {
		return &errors.ShapeError{Expected: len(c), Actual: len(rec.Values)}
	}
	return nil
}

// Numbered returns n channel names of the form prefix0..prefix(n-1).
func Numbered(prefix string, n int) Channels {
	out := make(Channels, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}

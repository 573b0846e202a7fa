package main

import (
	"fmt"
	"strings"
	"testing"

	"github.com/xtxerr/acqbuf/internal/errors"
)

func TestDescribe(t *testing.T) {
	tests := []struct {
		err    error
		prefix string
		retry  bool
	}{
		{&errors.ShapeError{Expected: 3, Actual: 2}, "rejected:", false},
		{&errors.RemoteError{Code: errors.CodeRange, Message: "bad range"}, "rejected:", false},
		{errors.Medium("lock", errors.ErrBackingInUse), "error:", true},
		{errors.ConnectionLost(fmt.Errorf("eof")), "error:", false},
	}

	for _, tt := range tests {
		got := describe(tt.err)
		if !strings.HasPrefix(got, tt.prefix) {
			t.Errorf("describe(%v) = %q, want prefix %q", tt.err, got, tt.prefix)
		}
		if strings.Contains(got, "retried") != tt.retry {
			t.Errorf("describe(%v) = %q, retry hint should be %v", tt.err, got, tt.retry)
		}
	}
}

package decode_test

import (
	"errors"
	"io"
	"testing"

	"github.com/MrWong99/yasha/pkg/decode"
	"github.com/MrWong99/yasha/pkg/media"
)

func TestError_Is(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name           string
		err            *decode.Error
		wantUnplayable bool
	}{
		{"unplayable", &decode.Error{Err: errors.New("403"), Code: decode.CodeUnplayable}, true},
		{"network", &decode.Error{Err: io.ErrUnexpectedEOF, Code: decode.CodeNetwork, Retryable: true}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := errors.Is(tc.err, media.ErrUnplayable); got != tc.wantUnplayable {
				t.Errorf("errors.Is(err, ErrUnplayable) = %v, want %v", got, tc.wantUnplayable)
			}
			if !errors.Is(tc.err, tc.err.Err) {
				t.Error("cause not unwrapped")
			}
		})
	}
}

func TestError_Message(t *testing.T) {
	t.Parallel()

	err := &decode.Error{Err: io.ErrUnexpectedEOF, Code: decode.CodeNetwork}
	if got, want := err.Error(), "decode: network: unexpected EOF"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestFrameUnits(t *testing.T) {
	t.Parallel()

	if decode.FrameUnits != 960 {
		t.Errorf("FrameUnits = %d, want 960", decode.FrameUnits)
	}
}

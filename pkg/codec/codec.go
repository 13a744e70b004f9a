// Package codec frames commands and events on a byte stream.
//
// Two framings are available. "jsonl" writes one JSON object per
// newline-terminated line. "lenprefix" writes a 4-byte big-endian length
// followed by a JSON body. Both enforce a maximum frame size; a frame that
// cannot be delimited or parsed is reported as a MALFORMED_FRAME error and
// the stream must not be read further.
package codec

import (
	"fmt"
	"io"

	"github.com/billm/baaaht/forknode/pkg/types"
)

const (
	NameJSONLines      = "jsonl"
	NameLengthPrefixed = "lenprefix"

	// DefaultMaxFrameSize bounds a single frame body
	DefaultMaxFrameSize = 1 << 20
)

// Encoder writes one frame per call. Encoders are not safe for concurrent use.
type Encoder interface {
	Encode(v any) error
}

// Decoder reads one frame per call. It returns io.EOF on a clean end of stream
// and io.ErrUnexpectedEOF when the stream ends inside a frame.
type Decoder interface {
	Decode(v any) error
}

// Codec creates encoders and decoders for one framing
type Codec interface {
	Name() string
	NewEncoder(w io.Writer) Encoder
	NewDecoder(r io.Reader) Decoder
}

// New returns the codec registered under name. maxFrameSize <= 0 selects the default.
func New(name string, maxFrameSize int) (Codec, error) {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	switch name {
	case NameJSONLines, "":
		return JSONLines{MaxFrameSize: maxFrameSize}, nil
	case NameLengthPrefixed:
		return LengthPrefixed{MaxFrameSize: maxFrameSize}, nil
	default:
		return nil, types.NewError(types.ErrCodeInvalidArgument, fmt.Sprintf("unknown codec: %s", name))
	}
}

// IsMalformed reports whether err marks a frame that could not be decoded
func IsMalformed(err error) bool {
	return types.IsErrCode(err, types.ErrCodeMalformedFrame)
}

func malformed(msg string, err error) error {
	if err == nil {
		return types.NewError(types.ErrCodeMalformedFrame, msg)
	}
	return types.WrapError(types.ErrCodeMalformedFrame, msg, err)
}

func frameTooLarge(size, max int) error {
	return types.NewError(types.ErrCodeInvalidArgument,
		fmt.Sprintf("frame of %d bytes exceeds max frame size %d", size, max))
}

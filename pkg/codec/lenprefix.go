package codec

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const headerSize = 4

// LengthPrefixed frames each value as a big-endian uint32 length and a JSON body
type LengthPrefixed struct {
	MaxFrameSize int
}

func (c LengthPrefixed) Name() string { return NameLengthPrefixed }

func (c LengthPrefixed) NewEncoder(w io.Writer) Encoder {
	return &lenprefixEncoder{w: w, max: c.MaxFrameSize}
}

func (c LengthPrefixed) NewDecoder(r io.Reader) Decoder {
	return &lenprefixDecoder{r: bufio.NewReader(r), max: c.MaxFrameSize}
}

type lenprefixEncoder struct {
	w   io.Writer
	max int
	buf []byte
}

func (e *lenprefixEncoder) Encode(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > e.max {
		return frameTooLarge(len(body), e.max)
	}
	e.buf = binary.BigEndian.AppendUint32(e.buf[:0], uint32(len(body)))
	e.buf = append(e.buf, body...)
	_, err = e.w.Write(e.buf)
	return err
}

type lenprefixDecoder struct {
	r    *bufio.Reader
	max  int
	hdr  [headerSize]byte
	body []byte
}

func (d *lenprefixDecoder) Decode(v any) error {
	if _, err := io.ReadFull(d.r, d.hdr[:]); err != nil {
		return err
	}

	n := binary.BigEndian.Uint32(d.hdr[:])
	if n == 0 {
		return malformed("zero-length frame", nil)
	}
	if uint64(n) > uint64(d.max) {
		return malformed(fmt.Sprintf("frame length %d exceeds max frame size %d", n, d.max), nil)
	}

	if cap(d.body) < int(n) {
		d.body = make([]byte, n)
	}
	body := d.body[:n]
	if _, err := io.ReadFull(d.r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}

	if err := json.Unmarshal(body, v); err != nil {
		return malformed("invalid JSON frame", err)
	}
	return nil
}

package codec

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
)

// JSONLines frames each value as a single line of JSON
type JSONLines struct {
	MaxFrameSize int
}

func (c JSONLines) Name() string { return NameJSONLines }

func (c JSONLines) NewEncoder(w io.Writer) Encoder {
	return &jsonlEncoder{w: w, max: c.MaxFrameSize}
}

func (c JSONLines) NewDecoder(r io.Reader) Decoder {
	// one extra byte so a body of exactly MaxFrameSize still fits with its newline
	return &jsonlDecoder{r: bufio.NewReaderSize(r, c.MaxFrameSize+1)}
}

type jsonlEncoder struct {
	w   io.Writer
	max int
	buf []byte
}

func (e *jsonlEncoder) Encode(v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(body) > e.max {
		return frameTooLarge(len(body), e.max)
	}
	e.buf = append(append(e.buf[:0], body...), '\n')
	_, err = e.w.Write(e.buf)
	return err
}

type jsonlDecoder struct {
	r *bufio.Reader
}

func (d *jsonlDecoder) Decode(v any) error {
	for {
		line, err := d.r.ReadSlice('\n')
		switch {
		case errors.Is(err, bufio.ErrBufferFull):
			return malformed("line exceeds max frame size", nil)
		case errors.Is(err, io.EOF):
			if len(bytes.TrimSpace(line)) == 0 {
				return io.EOF
			}
			return io.ErrUnexpectedEOF
		case err != nil:
			return err
		}

		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		if err := json.Unmarshal(line, v); err != nil {
			return malformed("invalid JSON frame", err)
		}
		return nil
	}
}

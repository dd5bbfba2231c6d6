package credentials

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// maxFrameSize bounds a single holder-channel frame.
const maxFrameSize = 1 << 20

// frame is one message on the broker↔holder channel: a 4-byte big-endian
// length prefix followed by a JSON body.
type frame struct {
	Op     string `json:"op"`               // "load", "use", "wipe", "ok", "error"
	Secret []byte `json:"secret,omitempty"` // base64 via encoding/json
	Error  string `json:"error,omitempty"`
}

func writeFrame(w io.Writer, f *frame) error {
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshaling frame: %w", err)
	}
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("writing frame length: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

func readFrame(r io.Reader) (*frame, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", n)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	var f frame
	if err := json.Unmarshal(body, &f); err != nil {
		return nil, fmt.Errorf("unmarshaling frame: %w", err)
	}
	return &f, nil
}

// zero overwrites a byte slice.
func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

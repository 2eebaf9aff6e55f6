// Package wire implements the Jupyter kernel frame codec (component 4.A):
// translating between protocol.Message and the bytes that travel over the
// kernel WebSocket, in either the plain-JSON form (no binary buffers) or the
// binary-buffer form (offset-table prefixed frame).
package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/jupyter-go/kernel-client/protocol"
)

// ErrMalformedFrame is returned (as *ErrMalformedFrame, unwrapped) when a
// frame fails to decode: for a binary frame, a truncated prefix or offset
// table, non-monotone offsets or offsets past the frame end; for either
// form, a JSON body that fails to parse.
type ErrMalformedFrame struct {
	Reason string
}

func (e *ErrMalformedFrame) Error() string {
	return fmt.Sprintf("wire: malformed frame: %s", e.Reason)
}

// jsonEnvelope mirrors protocol.Message's JSON shape without the Buffers
// field, which never round-trips through JSON directly.
type jsonEnvelope struct {
	Header       protocol.Header `json:"header"`
	ParentHeader protocol.Header `json:"parent_header"`
	Channel      protocol.Channel `json:"channel"`
	Content      json.RawMessage `json:"content"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// Encode serializes msg to its wire form. When msg.Buffers is empty, the
// result is a UTF-8 JSON text frame. Otherwise it is a binary frame: 4-byte
// LE buffer count n, then n+1 4-byte LE offsets, then the JSON body, then the
// buffers concatenated in order. isBinary reports which form was produced,
// since the WebSocket transport needs to pick the matching frame opcode.
func Encode(msg *protocol.Message) (data []byte, isBinary bool, err error) {
	env := jsonEnvelope{
		Header:       msg.Header,
		ParentHeader: msg.ParentHeader,
		Channel:      msg.Channel,
		Content:      msg.Content,
		Metadata:     msg.Metadata,
	}
	if env.Content == nil {
		env.Content = json.RawMessage("{}")
	}

	body, err := json.Marshal(env)
	if err != nil {
		return nil, false, fmt.Errorf("wire: encode envelope: %w", err)
	}

	if len(msg.Buffers) == 0 {
		return body, false, nil
	}

	n := len(msg.Buffers)
	// offsets: JSON body end (= first buffer start), then the end of each
	// buffer, n+1 total.
	offsets := make([]uint32, n+1)
	headerLen := 4 + 4*(n+1)
	offsets[0] = uint32(headerLen + len(body))
	for i, buf := range msg.Buffers {
		offsets[i+1] = offsets[i] + uint32(len(buf))
	}

	out := make([]byte, 0, headerLen+len(body)+sumLens(msg.Buffers))
	var countBuf [4]byte
	binary.LittleEndian.PutUint32(countBuf[:], uint32(n))
	out = append(out, countBuf[:]...)
	for _, off := range offsets {
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], off)
		out = append(out, b[:]...)
	}
	out = append(out, body...)
	for _, buf := range msg.Buffers {
		out = append(out, buf...)
	}

	return out, true, nil
}

func sumLens(bufs [][]byte) int {
	total := 0
	for _, b := range bufs {
		total += len(b)
	}
	return total
}

// Decode parses either wire form into a protocol.Message. isBinary must
// match how the frame arrived (a WebSocket text frame vs. a binary frame);
// transport.ManagedSocket passes this through from the underlying opcode.
func Decode(data []byte, isBinary bool) (*protocol.Message, error) {
	if !isBinary {
		return decodeJSON(data)
	}
	return decodeBinary(data)
}

func decodeJSON(data []byte) (*protocol.Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &ErrMalformedFrame{Reason: "json parse: " + err.Error()}
	}
	return &protocol.Message{
		Header:       env.Header,
		ParentHeader: env.ParentHeader,
		Channel:      env.Channel,
		Content:      env.Content,
		Metadata:     env.Metadata,
		Buffers:      nil,
	}, nil
}

func decodeBinary(data []byte) (*protocol.Message, error) {
	if len(data) < 4 {
		return nil, &ErrMalformedFrame{Reason: "frame shorter than count prefix"}
	}
	n := int(binary.LittleEndian.Uint32(data[0:4]))
	if n < 0 {
		return nil, &ErrMalformedFrame{Reason: "negative buffer count"}
	}

	tableLen := 4 + 4*(n+1)
	if len(data) < tableLen {
		return nil, &ErrMalformedFrame{Reason: "frame shorter than offset table"}
	}

	offsets := make([]uint32, n+1)
	for i := 0; i <= n; i++ {
		offsets[i] = binary.LittleEndian.Uint32(data[4+4*i : 8+4*i])
	}

	// offsets[0] is the JSON body end / first buffer start. Validate
	// monotonicity and bounds before slicing.
	prev := uint32(tableLen)
	for i, off := range offsets {
		if off < prev {
			return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("offset %d (%d) precedes preceding boundary (%d)", i, off, prev)}
		}
		if int(off) > len(data) {
			return nil, &ErrMalformedFrame{Reason: fmt.Sprintf("offset %d (%d) past frame end (%d)", i, off, len(data))}
		}
		prev = off
	}

	bodyStart := tableLen
	bodyEnd := int(offsets[0])
	body := data[bodyStart:bodyEnd]

	var env jsonEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, &ErrMalformedFrame{Reason: "json parse: " + err.Error()}
	}

	buffers := make([][]byte, n)
	for i := 0; i < n; i++ {
		start, end := offsets[i], offsets[i+1]
		buffers[i] = data[start:end]
	}

	return &protocol.Message{
		Header:       env.Header,
		ParentHeader: env.ParentHeader,
		Channel:      env.Channel,
		Content:      env.Content,
		Metadata:     env.Metadata,
		Buffers:      buffers,
	}, nil
}

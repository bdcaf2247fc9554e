package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// JSONCodec encodes each record as a single JSON object followed by a
// '\n' delimiter. Human-readable and handy for debugging with netcat;
// roughly 3x the size of the binary form for typical traffic.
type JSONCodec struct{}

func (JSONCodec) Name() string { return "json" }

func (JSONCodec) EncodeMessage(m *Message) ([]byte, error) {
	if len(m.Content) > MaxContentBytes {
		return nil, fmt.Errorf("message content exceeds %d bytes", MaxContentBytes)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	logFrameSize("json", "out", m.Kind, len(data)+1)
	return append(data, '\n'), nil
}

func (JSONCodec) DecodeMessage(frame []byte) (*Message, error) {
	frame = bytes.TrimSuffix(frame, []byte{'\n'})
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	if len(m.Content) > MaxContentBytes {
		return nil, fmt.Errorf("message content exceeds %d bytes", MaxContentBytes)
	}
	logFrameSize("json", "in", m.Kind, len(frame))
	return &m, nil
}

func (JSONCodec) EncodeResponse(r *Response) ([]byte, error) {
	if r.Data != nil && len(r.Data.Content) > MaxContentBytes {
		return nil, fmt.Errorf("response content exceeds %d bytes", MaxContentBytes)
	}
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	logFrameSize("json", "out", KindServerResponse, len(data)+1)
	return append(data, '\n'), nil
}

func (JSONCodec) DecodeResponse(frame []byte) (*Response, error) {
	frame = bytes.TrimSuffix(frame, []byte{'\n'})
	var r Response
	if err := json.Unmarshal(frame, &r); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	logFrameSize("json", "in", KindServerResponse, len(frame))
	return &r, nil
}

// Extract scans for the '\n' delimiter. Everything before it is one
// frame; everything after stays in the buffer. A delimited frame larger
// than the payload budget is discarded and surfaced as an error. A
// buffer that grows past the budget with no delimiter in sight is
// dropped outright so a hostile peer cannot balloon memory.
func (JSONCodec) Extract(buf []byte) ([]byte, []byte, error) {
	i := bytes.IndexByte(buf, '\n')
	if i < 0 {
		if len(buf) > MaxPayloadBytes {
			return nil, nil, fmt.Errorf("frame exceeds %d bytes without delimiter", MaxPayloadBytes)
		}
		return nil, buf, nil
	}
	frame, rest := buf[:i], buf[i+1:]
	if len(frame) > MaxPayloadBytes {
		return nil, rest, fmt.Errorf("frame of %d bytes exceeds %d byte limit", len(frame), MaxPayloadBytes)
	}
	return frame, rest, nil
}

package protocol

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
)

// BinaryCodec is the compact wire form. Frame layout:
//
//	[1 byte kind][4 bytes big-endian payload length][payload]
//
// Inside the payload: strings are [4 bytes big-endian length][UTF-8],
// integers are 4 bytes big-endian (zero encodes absent), timestamps are
// 8-byte IEEE-754 doubles of unix seconds, string lists and id lists
// are a 1-byte count followed by the elements, and booleans/statuses
// are a single byte.
//
// The kind byte assignment in protocol.go is frozen; a running server
// must never change it.
type BinaryCodec struct{}

const binaryHeaderLen = 5

func (BinaryCodec) Name() string { return "custom" }

func putString(w *bytes.Buffer, s string) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(s)))
	w.Write(n[:])
	w.WriteString(s)
}

func getString(payload []byte, off int) (string, int, error) {
	if off+4 > len(payload) {
		return "", 0, fmt.Errorf("truncated string length at offset %d", off)
	}
	n := int(binary.BigEndian.Uint32(payload[off : off+4]))
	off += 4
	if off+n > len(payload) {
		return "", 0, fmt.Errorf("truncated string of %d bytes at offset %d", n, off)
	}
	return string(payload[off : off+n]), off + n, nil
}

func putUint32(w *bytes.Buffer, v uint32) {
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], v)
	w.Write(n[:])
}

func getUint32(payload []byte, off int) (uint32, int, error) {
	if off+4 > len(payload) {
		return 0, 0, fmt.Errorf("truncated uint32 at offset %d", off)
	}
	return binary.BigEndian.Uint32(payload[off : off+4]), off + 4, nil
}

func putStringList(w *bytes.Buffer, list []string) error {
	if len(list) > math.MaxUint8 {
		return fmt.Errorf("string list of %d elements exceeds %d", len(list), math.MaxUint8)
	}
	w.WriteByte(byte(len(list)))
	for _, s := range list {
		putString(w, s)
	}
	return nil
}

func getStringList(payload []byte, off int) ([]string, int, error) {
	if off >= len(payload) {
		return nil, 0, fmt.Errorf("truncated list count at offset %d", off)
	}
	count := int(payload[off])
	off++
	if count == 0 {
		return nil, off, nil
	}
	list := make([]string, 0, count)
	for i := 0; i < count; i++ {
		s, next, err := getString(payload, off)
		if err != nil {
			return nil, 0, err
		}
		list = append(list, s)
		off = next
	}
	return list, off, nil
}

// encodeMessagePayload writes the field sequence shared by standalone
// message frames and the message embedded in a response.
func encodeMessagePayload(m *Message) ([]byte, error) {
	if len(m.Content) > MaxContentBytes {
		return nil, fmt.Errorf("message content exceeds %d bytes", MaxContentBytes)
	}
	if len(m.MessageIDs) > math.MaxUint8 {
		return nil, fmt.Errorf("id list of %d elements exceeds %d", len(m.MessageIDs), math.MaxUint8)
	}

	var w bytes.Buffer
	putUint32(&w, m.ID)
	putString(&w, m.Username)
	putString(&w, m.Content)

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], math.Float64bits(float64(m.Timestamp)))
	w.Write(ts[:])

	if err := putStringList(&w, m.Recipients); err != nil {
		return nil, err
	}
	putUint32(&w, m.FetchCount)
	putString(&w, m.Password)
	if err := putStringList(&w, m.ActiveUsers); err != nil {
		return nil, err
	}
	putUint32(&w, m.UnreadCount)

	w.WriteByte(byte(len(m.MessageIDs)))
	for _, id := range m.MessageIDs {
		putUint32(&w, id)
	}
	return w.Bytes(), nil
}

func decodeMessagePayload(kind Kind, payload []byte) (*Message, error) {
	m := &Message{Kind: kind}
	var err error
	off := 0

	if m.ID, off, err = getUint32(payload, off); err != nil {
		return nil, err
	}
	if m.Username, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if m.Content, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if len(m.Content) > MaxContentBytes {
		return nil, fmt.Errorf("message content exceeds %d bytes", MaxContentBytes)
	}

	if off+8 > len(payload) {
		return nil, fmt.Errorf("truncated timestamp at offset %d", off)
	}
	m.Timestamp = int64(math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+8])))
	off += 8

	if m.Recipients, off, err = getStringList(payload, off); err != nil {
		return nil, err
	}
	if m.FetchCount, off, err = getUint32(payload, off); err != nil {
		return nil, err
	}
	if m.Password, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if m.ActiveUsers, off, err = getStringList(payload, off); err != nil {
		return nil, err
	}
	if m.UnreadCount, off, err = getUint32(payload, off); err != nil {
		return nil, err
	}

	if off >= len(payload) {
		return nil, fmt.Errorf("truncated id list count at offset %d", off)
	}
	count := int(payload[off])
	off++
	if count > 0 {
		m.MessageIDs = make([]uint32, 0, count)
		for i := 0; i < count; i++ {
			var id uint32
			if id, off, err = getUint32(payload, off); err != nil {
				return nil, err
			}
			m.MessageIDs = append(m.MessageIDs, id)
		}
	}
	return m, nil
}

func frame(kind Kind, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayloadBytes {
		return nil, fmt.Errorf("payload of %d bytes exceeds %d byte limit", len(payload), MaxPayloadBytes)
	}
	out := make([]byte, binaryHeaderLen+len(payload))
	out[0] = byte(kind)
	binary.BigEndian.PutUint32(out[1:5], uint32(len(payload)))
	copy(out[binaryHeaderLen:], payload)
	return out, nil
}

func (BinaryCodec) EncodeMessage(m *Message) ([]byte, error) {
	if !m.Kind.Valid() {
		return nil, fmt.Errorf("invalid message kind %d", byte(m.Kind))
	}
	payload, err := encodeMessagePayload(m)
	if err != nil {
		return nil, err
	}
	out, err := frame(m.Kind, payload)
	if err != nil {
		return nil, err
	}
	logFrameSize("custom", "out", m.Kind, len(out))
	return out, nil
}

func (BinaryCodec) DecodeMessage(fr []byte) (*Message, error) {
	if len(fr) < binaryHeaderLen {
		return nil, fmt.Errorf("frame of %d bytes is shorter than header", len(fr))
	}
	kind := Kind(fr[0])
	if !kind.Valid() {
		return nil, fmt.Errorf("invalid message kind %d", fr[0])
	}
	m, err := decodeMessagePayload(kind, fr[binaryHeaderLen:])
	if err != nil {
		return nil, err
	}
	logFrameSize("custom", "in", kind, len(fr))
	return m, nil
}

func (c BinaryCodec) EncodeResponse(r *Response) ([]byte, error) {
	var w bytes.Buffer
	if r.Status == StatusSuccess {
		w.WriteByte(0)
	} else {
		w.WriteByte(1)
	}
	putString(&w, r.Message)
	putUint32(&w, r.UnreadCount)
	if r.Data != nil {
		w.WriteByte(1)
		embedded, err := c.EncodeMessage(r.Data)
		if err != nil {
			return nil, err
		}
		w.Write(embedded)
	} else {
		w.WriteByte(0)
	}
	out, err := frame(KindServerResponse, w.Bytes())
	if err != nil {
		return nil, err
	}
	logFrameSize("custom", "out", KindServerResponse, len(out))
	return out, nil
}

func (c BinaryCodec) DecodeResponse(fr []byte) (*Response, error) {
	if len(fr) < binaryHeaderLen {
		return nil, fmt.Errorf("frame of %d bytes is shorter than header", len(fr))
	}
	if Kind(fr[0]) != KindServerResponse {
		return nil, fmt.Errorf("frame kind %d is not a server response", fr[0])
	}
	payload := fr[binaryHeaderLen:]

	r := &Response{}
	off := 0
	if off >= len(payload) {
		return nil, fmt.Errorf("truncated status byte")
	}
	if payload[off] == 0 {
		r.Status = StatusSuccess
	} else {
		r.Status = StatusError
	}
	off++

	var err error
	if r.Message, off, err = getString(payload, off); err != nil {
		return nil, err
	}
	if r.UnreadCount, off, err = getUint32(payload, off); err != nil {
		return nil, err
	}

	if off >= len(payload) {
		return nil, fmt.Errorf("truncated data flag")
	}
	hasData := payload[off] == 1
	off++
	if hasData {
		embedded, _, err := c.Extract(payload[off:])
		if err != nil {
			return nil, fmt.Errorf("embedded message: %w", err)
		}
		if embedded == nil {
			return nil, fmt.Errorf("data flag set but embedded message incomplete")
		}
		if r.Data, err = c.DecodeMessage(embedded); err != nil {
			return nil, err
		}
	}
	logFrameSize("custom", "in", KindServerResponse, len(fr))
	return r, nil
}

// Extract requires at least the 5-byte header before deciding anything.
// An unknown kind byte advances one byte; an oversized length advances
// past the header. Both are reported so the dispatcher can surface a
// framing error while the stream stays usable.
func (BinaryCodec) Extract(buf []byte) ([]byte, []byte, error) {
	if len(buf) < binaryHeaderLen {
		return nil, buf, nil
	}
	if !Kind(buf[0]).Valid() {
		return nil, buf[1:], fmt.Errorf("invalid frame kind byte %#02x", buf[0])
	}
	n := int(binary.BigEndian.Uint32(buf[1:5]))
	if n > MaxPayloadBytes {
		return nil, buf[binaryHeaderLen:], fmt.Errorf("frame payload of %d bytes exceeds %d byte limit", n, MaxPayloadBytes)
	}
	total := binaryHeaderLen + n
	if len(buf) < total {
		return nil, buf, nil
	}
	return buf[:total], buf[total:], nil
}

package main

import (
	"fmt"
	"net"
	"time"

	"parley/server/internal/protocol"
)

// probeConn is a minimal wire-protocol client. It backs the `probe`
// subcommand's liveness check and doubles as the client half of the
// end-to-end scenario tests.
type probeConn struct {
	conn  net.Conn
	codec protocol.Codec
	buf   []byte
}

func dialProbe(addr string, codec protocol.Codec) (*probeConn, error) {
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
	if err != nil {
		return nil, err
	}
	return &probeConn{conn: conn, codec: codec}, nil
}

func (p *probeConn) close() {
	_ = p.conn.Close()
}

func (p *probeConn) send(m *protocol.Message) error {
	frame, err := p.codec.EncodeMessage(m)
	if err != nil {
		return err
	}
	_, err = p.conn.Write(frame)
	return err
}

// sendRaw writes arbitrary bytes, for exercising framing edge cases.
func (p *probeConn) sendRaw(b []byte) error {
	_, err := p.conn.Write(b)
	return err
}

// recv blocks until one complete response frame arrives or the
// deadline passes.
func (p *probeConn) recv(timeout time.Duration) (*protocol.Response, error) {
	deadline := time.Now().Add(timeout)
	readBuf := make([]byte, 4096)
	for {
		frame, rest, err := p.codec.Extract(p.buf)
		p.buf = rest
		if err != nil {
			return nil, err
		}
		if frame != nil {
			return p.codec.DecodeResponse(frame)
		}

		if err := p.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := p.conn.Read(readBuf)
		if err != nil {
			return nil, err
		}
		p.buf = append(p.buf, readBuf[:n]...)
	}
}

// RunProbe checks that a server is alive and speaking the expected
// protocol. It sends a login for a reserved improbable account and
// accepts any well-formed response; no server state is touched.
func RunProbe(addr, protoName string) error {
	codec, err := protocol.NewCodec(protoName)
	if err != nil {
		return err
	}
	p, err := dialProbe(addr, codec)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	defer p.close()

	err = p.send(&protocol.Message{
		Kind:     protocol.KindLogin,
		Username: "__liveness_probe__",
		Password: "probe",
	})
	if err != nil {
		return fmt.Errorf("send probe: %w", err)
	}
	if _, err := p.recv(5 * time.Second); err != nil {
		return fmt.Errorf("await response: %w", err)
	}
	return nil
}

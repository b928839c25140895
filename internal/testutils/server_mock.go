// Package testutils provides an in-memory scripted MCBP peer for
// driver tests.
package testutils

import (
	"errors"
	"net"
	"time"

	"github.com/pior/mcbp/protocol"
)

// Server is the scripted peer of a session under test. It owns the
// server side of an in-memory pipe and speaks raw MCBP frames.
type Server struct {
	conn    net.Conn
	parser  protocol.Parser
	readBuf []byte
}

// NewServer returns a scripted server and a dial function handing the
// client side of the pipe to the session. The dialer succeeds exactly
// once; retries fail.
func NewServer() (*Server, func(host, service string, timeout time.Duration) (net.Conn, error)) {
	clientSide, serverSide := net.Pipe()
	server := &Server{conn: serverSide, readBuf: make([]byte, 4096)}
	conns := make(chan net.Conn, 1)
	conns <- clientSide
	dial := func(host, service string, timeout time.Duration) (net.Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		default:
			return nil, errors.New("testutils: connection already handed out")
		}
	}
	return server, dial
}

// Close tears down the server side of the pipe.
func (s *Server) Close() {
	s.conn.Close()
}

// ReadFrame reads the next request frame from the session, waiting at
// most timeout.
func (s *Server) ReadFrame(timeout time.Duration) (*protocol.Frame, error) {
	deadline := time.Now().Add(timeout)
	for {
		var frame protocol.Frame
		switch s.parser.Next(&frame) {
		case protocol.Ok:
			return &frame, nil
		case protocol.Failure:
			return nil, s.parser.Err()
		case protocol.NeedData:
		}
		if err := s.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := s.conn.Read(s.readBuf)
		if err != nil {
			return nil, err
		}
		s.parser.Feed(s.readBuf[:n])
	}
}

// Send writes a frame to the session.
func (s *Server) Send(frame *protocol.Frame) error {
	_, err := s.conn.Write(frame.Bytes())
	return err
}

// Respond sends a client response correlated with req.
func (s *Server) Respond(req *protocol.Frame, status protocol.Status, extras, key, value []byte) error {
	return s.Send(&protocol.Frame{
		Magic:  protocol.MagicClientResponse,
		Opcode: req.Opcode,
		Status: status,
		Opaque: req.Opaque,
		Extras: extras,
		Key:    key,
		Value:  value,
	})
}

// PushServerRequest sends a server-initiated request, such as a
// cluster-map change notification.
func (s *Server) PushServerRequest(opcode protocol.ServerOpcode, key, value []byte) error {
	return s.Send(&protocol.Frame{
		Magic:  protocol.MagicServerRequest,
		Opcode: uint8(opcode),
		Key:    key,
		Value:  value,
	})
}

package server

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrReadTimeout closes a connection that sent nothing for the idle timeout.
	ErrReadTimeout = errors.New("read timeout")

	// ErrFrameTooLarge closes a connection whose message exceeds MaxFrameSize.
	ErrFrameTooLarge = errors.New("frame too large")
)

// Transport names reported in events.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// Stream is the framed, bidirectional transport a pump owns. ReadFrame and
// WriteFrame are called from different goroutines; Close must unblock both.
type Stream interface {
	// ReadFrame returns the next inbound message. io.EOF means the peer closed
	// cleanly; ErrReadTimeout means idle passed without any bytes arriving.
	ReadFrame(idle time.Duration) ([]byte, error)
	WriteFrame(p []byte, timeout time.Duration) error
	RemoteAddr() string
	Transport() string
	Close() error
}

// tcpStream frames a byte stream on the newline delimiter.
type tcpStream struct {
	conn     net.Conn
	idle     idleReader
	r        *bufio.Reader
	w        *bufio.Writer
	maxFrame int
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

// idleReader pushes the read deadline forward before every read of src, so the
// timeout measures silence, not message length.
type idleReader struct {
	src     io.Reader
	conn    readDeadliner
	timeout time.Duration
}

func (r *idleReader) Read(p []byte) (int, error) {
	if r.timeout > 0 {
		// A connection whose peer is gone may refuse a new deadline; the read
		// below then reports the real state (usually io.EOF).
		_ = r.conn.SetReadDeadline(time.Now().Add(r.timeout))
	}
	return r.src.Read(p)
}

func newTCPStream(conn net.Conn, maxFrameSize int) *tcpStream {
	s := &tcpStream{conn: conn, w: bufio.NewWriter(conn), maxFrame: maxFrameSize}
	s.idle = idleReader{src: conn, conn: conn}
	// One extra byte leaves room for the delimiter of a frame at the limit.
	s.r = bufio.NewReaderSize(&s.idle, maxFrameSize+1)
	return s
}

func (s *tcpStream) ReadFrame(idle time.Duration) ([]byte, error) {
	s.idle.timeout = idle

	line, err := s.r.ReadSlice('\n')
	switch {
	case err == nil:
	case errors.Is(err, bufio.ErrBufferFull):
		return nil, s.tooLarge()
	case errors.Is(err, io.EOF) && len(line) > 0:
		// Deliver the unterminated tail; the next read reports io.EOF.
	default:
		return nil, translateReadError(err)
	}

	// bufio never goes below 16 bytes, so small limits are checked here.
	if len(bytes.TrimSuffix(line, []byte{'\n'})) > s.maxFrame {
		return nil, s.tooLarge()
	}
	return append([]byte(nil), line...), nil
}

func (s *tcpStream) tooLarge() error {
	return fmt.Errorf("%w: more than %d bytes without a newline", ErrFrameTooLarge, s.maxFrame)
}

func (s *tcpStream) WriteFrame(p []byte, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	if _, err := s.w.Write(p); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

func (s *tcpStream) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *tcpStream) Transport() string { return TransportTCP }

func (s *tcpStream) Close() error { return s.conn.Close() }

// wsStream carries one chat message per WebSocket text frame.
type wsStream struct {
	conn     *websocket.Conn
	addr     string
	maxFrame int
}

func newWSStream(conn *websocket.Conn, addr string, maxFrameSize int) *wsStream {
	conn.SetReadLimit(int64(maxFrameSize))
	return &wsStream{conn: conn, addr: addr, maxFrame: maxFrameSize}
}

func (s *wsStream) ReadFrame(idle time.Duration) ([]byte, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(idle)); err != nil {
		return nil, err
	}

	_, r, err := s.conn.NextReader()
	if err == nil {
		// Like TCP, a message arriving in pieces only needs each piece within
		// the idle timeout.
		var data []byte
		data, err = io.ReadAll(&idleReader{src: r, conn: s.conn, timeout: idle})
		if err == nil {
			return data, nil
		}
	}

	if errors.Is(err, websocket.ErrReadLimit) {
		return nil, fmt.Errorf("%w: limit is %d bytes", ErrFrameTooLarge, s.maxFrame)
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return nil, io.EOF
	}
	return nil, translateReadError(err)
}

func (s *wsStream) WriteFrame(p []byte, timeout time.Duration) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, p)
}

func (s *wsStream) RemoteAddr() string { return s.addr }

func (s *wsStream) Transport() string { return TransportWebSocket }

func (s *wsStream) Close() error {
	deadline := time.Now().Add(time.Second)
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	return s.conn.Close()
}

func translateReadError(err error) error {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrReadTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ErrReadTimeout
	}
	return err
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil || errors.Is(err, net.ErrClosed) {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "connection reset by peer")
}

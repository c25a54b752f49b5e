package events

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	FrameHello = "hello"
	FrameEvent = "event"
	FrameError = "error"

	handshakeTimeout = 5 * time.Second
	writeTimeout     = 10 * time.Second
)

// SubscribeRequest is the single line a socket client sends after connecting.
// A nil From subscribes to live events only.
type SubscribeRequest struct {
	From *uint64 `json:"from,omitempty"`
}

type Frame struct {
	Type      string  `json:"type"`
	OldestSeq *uint64 `json:"oldest_seq,omitempty"`
	LastSeq   *uint64 `json:"last_seq,omitempty"`
	Event     *Event  `json:"event,omitempty"`
	Error     string  `json:"error,omitempty"`
}

// SocketServer exposes the bus on a unix domain socket with one JSON frame
// per line.
type SocketServer struct {
	bus      *Bus
	path     string
	listener net.Listener
	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

func NewSocketServer(bus *Bus, path string) *SocketServer {
	return &SocketServer{bus: bus, path: path, done: make(chan struct{})}
}

// Listen binds the socket. A stale socket file left by a previous process is
// replaced unless something still answers on it.
func (s *SocketServer) Listen() error {
	if _, err := os.Stat(s.path); err == nil {
		conn, dialErr := net.DialTimeout("unix", s.path, time.Second)
		if dialErr == nil {
			_ = conn.Close()
			return fmt.Errorf("event socket %s is already served by another process", s.path)
		}
		if err := os.Remove(s.path); err != nil {
			return fmt.Errorf("remove stale event socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", s.path)
	if err != nil {
		return fmt.Errorf("listen on event socket: %w", err)
	}
	if err := os.Chmod(s.path, 0o600); err != nil {
		_ = listener.Close()
		return fmt.Errorf("chmod event socket: %w", err)
	}
	s.listener = listener
	return nil
}

// Serve accepts connections until Stop is called or ctx is done.
func (s *SocketServer) Serve(ctx context.Context) error {
	if s.listener == nil {
		if err := s.Listen(); err != nil {
			return err
		}
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		select {
		case <-ctx.Done():
		case <-s.done:
			cancel()
		}
		_ = s.listener.Close()
	}()

	zap.L().Info("event socket listening", zap.String("path", s.path))
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			zap.L().Error("event socket accept failed", zap.Error(err))
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
}

func (s *SocketServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.wg.Wait()
		_ = os.Remove(s.path)
	})
}

func (s *SocketServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reader := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	line, err := reader.ReadBytes('\n')
	if err != nil {
		zap.L().Debug("event socket client sent no request", zap.Error(err))
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	var request SubscribeRequest
	if err := json.Unmarshal(line, &request); err != nil {
		_ = writeFrame(conn, Frame{Type: FrameError, Error: "invalid subscribe request"})
		return
	}

	sub, err := s.bus.Subscribe(ctx, request.From)
	if err != nil {
		_ = writeFrame(conn, Frame{Type: FrameError, Error: err.Error()})
		return
	}
	defer sub.Close()

	bounds, err := s.bus.Bounds()
	if err != nil {
		_ = writeFrame(conn, Frame{Type: FrameError, Error: err.Error()})
		return
	}
	if err := writeFrame(conn, Frame{Type: FrameHello, OldestSeq: &bounds.Oldest, LastSeq: &bounds.Last}); err != nil {
		return
	}

	// The client never sends after the request; EOF means it went away.
	go func() {
		_, _ = reader.ReadByte()
		cancel()
	}()

	for {
		event, err := sub.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrSlowConsumer) {
				_ = writeFrame(conn, Frame{Type: FrameError, Error: ErrSlowConsumer.Error()})
			}
			return
		}
		if err := writeFrame(conn, Frame{Type: FrameEvent, Event: &event}); err != nil {
			return
		}
	}
}

func writeFrame(conn net.Conn, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err = conn.Write(append(data, '\n'))
	return err
}

// Client is a subscriber connected over the event socket.
type Client struct {
	conn    net.Conn
	scanner *bufio.Scanner
	stop    func() bool
	Bounds  Bounds
}

// Dial connects to the event socket and performs the subscribe handshake.
func Dial(ctx context.Context, path string, from *uint64) (*Client, error) {
	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("connect to event socket: %w", err)
	}

	request, err := json.Marshal(SubscribeRequest{From: from})
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if _, err := conn.Write(append(request, '\n')); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send subscribe request: %w", err)
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	client := &Client{conn: conn, scanner: scanner}

	client.stop = context.AfterFunc(ctx, func() { _ = conn.Close() })

	frame, err := client.readFrame()
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	if frame.Type == FrameError {
		_ = client.Close()
		return nil, fmt.Errorf("event socket: %s", frame.Error)
	}
	if frame.Type != FrameHello {
		_ = client.Close()
		return nil, fmt.Errorf("event socket: unexpected %q frame before hello", frame.Type)
	}
	if frame.OldestSeq != nil {
		client.Bounds.Oldest = *frame.OldestSeq
	}
	if frame.LastSeq != nil {
		client.Bounds.Last = *frame.LastSeq
	}
	return client, nil
}

// Next returns the next event. A slow-consumer disconnect is reported as
// ErrSlowConsumer.
func (c *Client) Next() (Event, error) {
	frame, err := c.readFrame()
	if err != nil {
		return Event{}, err
	}
	switch frame.Type {
	case FrameEvent:
		if frame.Event == nil {
			return Event{}, errors.New("event socket: empty event frame")
		}
		return *frame.Event, nil
	case FrameError:
		if frame.Error == ErrSlowConsumer.Error() {
			return Event{}, ErrSlowConsumer
		}
		return Event{}, fmt.Errorf("event socket: %s", frame.Error)
	default:
		return Event{}, fmt.Errorf("event socket: unexpected %q frame", frame.Type)
	}
}

func (c *Client) Close() error {
	c.stop()
	return c.conn.Close()
}

func (c *Client) readFrame() (Frame, error) {
	if !c.scanner.Scan() {
		if err := c.scanner.Err(); err != nil {
			return Frame{}, err
		}
		return Frame{}, io.EOF
	}
	var frame Frame
	if err := json.Unmarshal(c.scanner.Bytes(), &frame); err != nil {
		return Frame{}, fmt.Errorf("decode event frame: %w", err)
	}
	return frame, nil
}

// Package simulator plays the hospital side of the detector's connections: it
// serves HL7 messages over MLLP, redelivers everything that was not
// acknowledged, and accepts pages over HTTP.
package simulator

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/mllp"
)

// DefaultAckTimeout is how long the simulator waits for an ACK before it drops
// the connection.
const DefaultAckTimeout = 30 * time.Second

// Ack is one acknowledgement received from the detector.
type Ack struct {
	Index      int       `json:"index"`
	ControlID  string    `json:"controlId"`
	Code       string    `json:"code"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// MLLPServer delivers messages in order to one client at a time. A message is
// only considered delivered once an AA acknowledgement with its control ID
// arrives; otherwise the connection is closed and the message is sent again to
// the next client.
type MLLPServer struct {
	messages   [][]byte
	ackTimeout time.Duration

	listener net.Listener

	mu          sync.Mutex
	conn        net.Conn
	next        int
	acks        []Ack
	connections int
	done        chan struct{}
	wg          sync.WaitGroup
}

type Option func(*MLLPServer)

func WithAckTimeout(d time.Duration) Option {
	return func(s *MLLPServer) {
		if d > 0 {
			s.ackTimeout = d
		}
	}
}

func NewMLLPServer(messages [][]byte, opts ...Option) *MLLPServer {
	s := &MLLPServer{
		messages:   messages,
		ackTimeout: DefaultAckTimeout,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if len(messages) == 0 {
		close(s.done)
	}
	return s
}

// Start listens on addr (":8440", "127.0.0.1:0") and serves until ctx is done.
func (s *MLLPServer) Start(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("port dinlenemedi %s: %w", addr, err)
	}
	s.listener = listener

	slog.Info("Simülatör MLLP sunucu başlatıldı",
		"address", listener.Addr().String(),
		"messages", len(s.messages))

	s.wg.Add(1)
	go s.acceptConnections(ctx)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Addr returns the bound listener address.
func (s *MLLPServer) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *MLLPServer) acceptConnections(ctx context.Context) {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			slog.Error("Bağlantı kabul hatası", "error", err)
			continue
		}

		// One client at a time; a second client waits in the backlog
		s.handleConnection(ctx, conn)
	}
}

func (s *MLLPServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	s.mu.Lock()
	s.connections++
	s.conn = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	remoteAddr := conn.RemoteAddr().String()
	slog.Info("Yeni MLLP bağlantısı", "remoteAddr", remoteAddr)

	stop := context.AfterFunc(ctx, func() { conn.SetDeadline(time.Now()) })
	defer stop()

	reader := bufio.NewReader(conn)

	for {
		index, payload, ok := s.pending()
		if !ok {
			// Everything delivered; hold the connection until the client leaves
			conn.SetReadDeadline(time.Time{})
			io.Copy(io.Discard, reader)
			slog.Info("Bağlantı kapatıldı", "remoteAddr", remoteAddr)
			return
		}

		conn.SetWriteDeadline(time.Now().Add(s.ackTimeout))
		if _, err := conn.Write(mllp.Wrap(payload)); err != nil {
			slog.Error("Mesaj gönderme hatası", "index", index, "error", err)
			return
		}

		conn.SetReadDeadline(time.Now().Add(s.ackTimeout))
		ack, err := readMLLPMessage(reader)
		if err != nil {
			slog.Warn("ACK alınamadı, mesaj yeniden gönderilecek", "index", index, "error", err)
			return
		}

		controlID := hl7.ControlID(payload)
		code := hl7.AckCode(ack)
		if code != "AA" || hl7.AckControlID(ack) != controlID {
			slog.Warn("Geçersiz ACK, mesaj yeniden gönderilecek",
				"index", index,
				"code", code,
				"controlID", controlID)
			return
		}

		s.acknowledge(Ack{Index: index, ControlID: controlID, Code: code, ReceivedAt: time.Now()})
	}
}

func (s *MLLPServer) pending() (int, []byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next >= len(s.messages) {
		return 0, nil, false
	}
	return s.next, s.messages[s.next], true
}

func (s *MLLPServer) acknowledge(a Ack) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.acks = append(s.acks, a)
	s.next++
	if s.next == len(s.messages) {
		close(s.done)
	}
}

// Acks returns every acknowledgement received so far, in message order.
func (s *MLLPServer) Acks() []Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Ack(nil), s.acks...)
}

// Connections returns how many client connections were accepted.
func (s *MLLPServer) Connections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connections
}

// Disconnect drops the current client connection, if any.
func (s *MLLPServer) Disconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
}

// Done is closed once every message has been acknowledged.
func (s *MLLPServer) Done() <-chan struct{} {
	return s.done
}

func (s *MLLPServer) Stop() error {
	if s.listener == nil {
		return nil
	}
	err := s.listener.Close()

	s.mu.Lock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func readMLLPMessage(reader *bufio.Reader) ([]byte, error) {
	// Wait for start block
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == mllp.StartBlock {
			break
		}
	}

	// Read until end block
	var buffer bytes.Buffer
	for {
		b, err := reader.ReadByte()
		if err != nil {
			return nil, err
		}

		if b == mllp.EndBlock {
			cr, err := reader.ReadByte()
			if err != nil {
				return nil, err
			}
			if cr != mllp.CarriageReturn {
				return nil, fmt.Errorf("MLLP formatı hatası: CR beklendi, %02X alındı", cr)
			}
			break
		}

		buffer.WriteByte(b)
	}

	return buffer.Bytes(), nil
}

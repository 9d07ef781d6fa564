// Package session keeps the MLLP connection to the hospital system alive,
// routes every received message and acknowledges it only once it has been
// applied.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/minasoft/aki-detector/internal/hl7"
	"github.com/minasoft/aki-detector/internal/journal"
	"github.com/minasoft/aki-detector/internal/metrics"
	"github.com/minasoft/aki-detector/internal/mllp"
	"github.com/minasoft/aki-detector/internal/retry"
	"github.com/minasoft/aki-detector/internal/router"
)

const (
	DefaultReconnectDelay = 5 * time.Second
	DefaultReadTimeout    = 30 * time.Second
	DefaultReadBufferSize = 1024

	writeTimeout = 10 * time.Second
	dialTimeout  = 10 * time.Second
)

var (
	// ErrRejected tears the connection down so that the peer redelivers
	ErrRejected = errors.New("mesaj reddedildi")
	// ErrReadTimeout means the peer sent nothing within the read timeout
	ErrReadTimeout = errors.New("okuma zaman aşımı")
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateRouting
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "DISCONNECTED"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateRouting:
		return "ROUTING"
	case StateShuttingDown:
		return "SHUTTING_DOWN"
	}
	return "UNKNOWN"
}

// Router applies one parsed event.
type Router interface {
	Route(ctx context.Context, ev hl7.Event) router.Outcome
}

type Config struct {
	Address        string
	ReconnectDelay time.Duration
	ReadTimeout    time.Duration // 0 disables the timeout
	ReadBufferSize int
	MaxFrameSize   int
	// AckPredictionErrors also acknowledges messages whose measurements were
	// stored but could not be evaluated.
	AckPredictionErrors bool
}

type Dialer func(ctx context.Context, address string) (net.Conn, error)

type Listener struct {
	cfg     Config
	router  Router
	journal journal.Journal
	parser  hl7.Parser
	metrics metrics.Sink
	dial    Dialer
	now     func() time.Time

	state atomic.Int32
}

type Option func(*Listener)

func WithJournal(j journal.Journal) Option {
	return func(l *Listener) { l.journal = j }
}

func WithMetrics(s metrics.Sink) Option {
	return func(l *Listener) { l.metrics = metrics.OrNop(s) }
}

func WithParser(p hl7.Parser) Option {
	return func(l *Listener) { l.parser = p }
}

func WithDialer(d Dialer) Option {
	return func(l *Listener) { l.dial = d }
}

func WithClock(now func() time.Time) Option {
	return func(l *Listener) { l.now = now }
}

func New(cfg Config, r Router, opts ...Option) *Listener {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.ReadTimeout < 0 {
		cfg.ReadTimeout = 0
	}
	if cfg.ReadBufferSize <= 0 {
		cfg.ReadBufferSize = DefaultReadBufferSize
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = mllp.DefaultMaxFrameSize
	}

	dialer := &net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	l := &Listener{
		cfg:     cfg,
		router:  r,
		journal: journal.NewMemory(),
		parser:  hl7.NewParser(),
		metrics: metrics.Nop{},
		dial: func(ctx context.Context, address string) (net.Conn, error) {
			return dialer.DialContext(ctx, "tcp", address)
		},
		now: time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Listener) State() State {
	return State(l.state.Load())
}

func (l *Listener) setState(s State) {
	if prev := State(l.state.Swap(int32(s))); prev != s {
		slog.Debug("Oturum durumu değişti", "from", prev, "to", s)
	}
}

// Run replays the journal, then connects and serves until ctx is done. It
// only returns when ctx is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	if err := l.Recover(ctx); err != nil {
		slog.Error("Günlük yeniden işlenemedi", "error", err)
	}

	for {
		l.setState(StateConnecting)
		conn, err := l.connect(ctx)
		if err != nil {
			l.setState(StateShuttingDown)
			return nil
		}

		l.setState(StateConnected)
		slog.Info("MLLP bağlantısı kuruldu", "address", l.cfg.Address)

		err = l.serve(ctx, conn)
		conn.Close()
		l.metrics.Inc(metrics.Shutdowns)

		if ctx.Err() != nil {
			l.setState(StateShuttingDown)
			slog.Info("MLLP bağlantısı kapatıldı", "address", l.cfg.Address)
			return nil
		}

		l.setState(StateDisconnected)
		slog.Warn("MLLP bağlantısı koptu", "address", l.cfg.Address, "error", err)
		l.metrics.Inc(metrics.Reconnections)

		select {
		case <-ctx.Done():
			l.setState(StateShuttingDown)
			return nil
		case <-time.After(l.cfg.ReconnectDelay):
		}
	}
}

// connect dials until it succeeds or ctx is done
func (l *Listener) connect(ctx context.Context) (net.Conn, error) {
	var conn net.Conn
	err := retry.Do(ctx, retry.Forever(l.cfg.ReconnectDelay), func() error {
		c, err := l.dial(ctx, l.cfg.Address)
		if err != nil {
			return err
		}
		conn = c
		return nil
	}, func(attempt int, err error, wait time.Duration) {
		slog.Warn("MLLP bağlantısı kurulamadı",
			"address", l.cfg.Address,
			"attempt", attempt,
			"retryIn", wait,
			"error", err)
		l.metrics.Inc(metrics.Reconnections)
	})
	return conn, err
}

// serve reads frames from conn until an error, a rejected message or ctx
// cancellation.
func (l *Listener) serve(ctx context.Context, conn net.Conn) error {
	// Unblock a pending read on shutdown; the in-flight message still completes
	stop := context.AfterFunc(ctx, func() { conn.SetReadDeadline(time.Now()) })
	defer stop()

	dec := mllp.NewDecoder(l.cfg.MaxFrameSize)
	buf := make([]byte, l.cfg.ReadBufferSize)

	for {
		if l.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		n, err := conn.Read(buf)
		if n > 0 {
			if ferr := dec.Feed(buf[:n]); ferr != nil {
				return ferr
			}
			for {
				payload, ok := dec.Next()
				if !ok {
					break
				}
				if herr := l.handle(ctx, conn, payload); herr != nil {
					return herr
				}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				return ErrReadTimeout
			}
			if errors.Is(err, io.EOF) {
				return io.EOF
			}
			return fmt.Errorf("okuma hatası: %w", err)
		}
	}
}

// handle journals, routes and acknowledges one payload. A non-nil error tears
// the connection down.
func (l *Listener) handle(ctx context.Context, conn net.Conn, payload []byte) error {
	l.metrics.Inc(metrics.MessagesReceived)

	// The message is finished even if shutdown starts meanwhile
	msgCtx := context.WithoutCancel(ctx)
	controlID := hl7.ControlID(payload)

	entry, err := l.journal.Append(msgCtx, journal.NewEntry(payload, controlID, l.now()))
	if err != nil {
		l.metrics.Inc(metrics.MessagesRejected)
		slog.Error("Mesaj günlüğe yazılamadı", "controlID", controlID, "error", err)
		return fmt.Errorf("%w: %s: %v", ErrRejected, controlID, err)
	}

	l.setState(StateRouting)
	outcome := l.router.Route(msgCtx, l.parse(entry))
	l.setState(StateConnected)

	if !l.acknowledges(outcome) {
		l.metrics.Inc(metrics.MessagesRejected)
		// Kept until acknowledged so a redelivery reuses the first receive time
		if outcome == router.OutcomeUnrecognized {
			l.resolve(msgCtx, entry)
		}
		slog.Warn("Mesaj reddedildi",
			"controlID", controlID,
			"type", hl7.MessageType(payload),
			"outcome", outcome)
		return fmt.Errorf("%w: %s (%s)", ErrRejected, controlID, outcome)
	}

	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := conn.Write(mllp.Wrap(hl7.ACK(payload, l.now()))); err != nil {
		// Entry stays pending; the message is replayed or redelivered
		return fmt.Errorf("ACK gönderilemedi: %w", err)
	}
	l.metrics.Inc(metrics.AcksSent)
	l.resolve(msgCtx, entry)

	slog.Debug("ACK gönderildi", "controlID", controlID, "outcome", outcome)
	return nil
}

// parse evaluates the entry as of its first receipt, so a missing OBR-7
// resolves to the same measurement time on every redelivery and replay.
func (l *Listener) parse(e journal.Entry) hl7.Event {
	p := l.parser
	if !e.ReceivedAt.IsZero() {
		received := e.ReceivedAt
		p.Now = func() time.Time { return received }
	}
	return p.Parse(e.Payload)
}

func (l *Listener) acknowledges(o router.Outcome) bool {
	return o == router.OutcomeOK || (l.cfg.AckPredictionErrors && o == router.OutcomePredictionError)
}

func (l *Listener) resolve(ctx context.Context, e journal.Entry) {
	if err := l.journal.Resolve(ctx, e.ID); err != nil {
		slog.Error("Günlük kaydı çözülemedi", "id", e.ID, "controlID", e.ControlID, "error", err)
	}
}

// Recover routes every message left in the journal by a previous run, in the
// order it was received. None of them was acknowledged, so the peer will
// redeliver them; entries stay until that ACK is sent. Only messages that can
// never be applied are resolved here.
func (l *Listener) Recover(ctx context.Context) error {
	entries, err := l.journal.Pending(ctx)
	if err != nil {
		return fmt.Errorf("günlük okunamadı: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	slog.Info("Günlükteki mesajlar yeniden işleniyor", "count", len(entries))

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		outcome := l.router.Route(ctx, l.parse(e))
		l.metrics.Inc(metrics.JournalReplays)

		if outcome == router.OutcomeUnrecognized {
			l.resolve(ctx, e)
			continue
		}
		if l.acknowledges(outcome) {
			slog.Debug("Günlük kaydı uygulandı, ACK bekleniyor", "id", e.ID, "controlID", e.ControlID)
			continue
		}
		slog.Warn("Günlük kaydı işlenemedi, saklanıyor",
			"id", e.ID,
			"controlID", e.ControlID,
			"outcome", outcome)
	}
	return nil
}

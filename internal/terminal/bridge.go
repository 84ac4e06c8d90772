package terminal

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sandboxd/sandboxd/internal/logger"
)

const (
	// outputBufSize is the read chunk size from the exec stream.
	outputBufSize = 4096

	// defaultSettleDelay is the pause after each init command, giving the
	// shell prompt time to settle before the next one.
	defaultSettleDelay = 200 * time.Millisecond

	// defaultInitTimeout bounds a whole init playback when the client
	// does not supply one.
	defaultInitTimeout = 10 * time.Second

	// readLimitHeadroom raises the websocket read limit above the frame
	// cap. The library closes the connection itself the moment its limit
	// trips, before any error frame can be written, so the bridge's own
	// length check must see the oversize frame first.
	readLimitHeadroom = 64 * 1024
)

// Socket is the client side of the bridge. *websocket.Conn satisfies it.
type Socket interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetReadLimit(limit int64)
	Close() error
}

// Config wires one bridge to its session, socket, and exec stream.
type Config struct {
	SessionID string
	ConnID    string

	Socket Socket
	Stream io.ReadWriteCloser
	ExecID string

	// Resize adjusts the exec TTY dimensions.
	Resize func(ctx context.Context, execID string, cols, rows uint) error

	// MaxMessageBytes caps each inbound frame.
	MaxMessageBytes int64

	// Banner, when set, is sent as the first output frame after connect.
	Banner string

	// OnActivity is invoked for every inbound frame.
	OnActivity func()

	// CheckCommand gates each command the client runs. A denial carries
	// the retry-after hint; the input is dropped, not fatal.
	CheckCommand func() (allowed bool, retryAfter time.Duration)

	// OnClose runs exactly once after teardown, releasing the connection
	// slot and any other capacity held for this bridge.
	OnClose func()

	// SettleDelay overrides the per-command init pause. Zero means the
	// default.
	SettleDelay time.Duration
}

// Bridge pumps bytes both ways between one client socket and one container
// exec stream. Run blocks until either side closes.
type Bridge struct {
	cfg Config

	writeMu  sync.Mutex // serializes socket writes
	streamMu sync.Mutex // serializes PTY writes

	suppress  atomic.Bool // drop output frames during silent init
	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a bridge. Run must be called to start pumping.
func New(cfg Config) *Bridge {
	if cfg.SettleDelay == 0 {
		cfg.SettleDelay = defaultSettleDelay
	}
	return &Bridge{
		cfg:    cfg,
		closed: make(chan struct{}),
	}
}

// Run sends the welcome frames, then pumps container output to the client
// and client frames to the container until one side closes. It always
// tears down the stream, closes the socket, and fires OnClose.
func (b *Bridge) Run(ctx context.Context) {
	b.cfg.Socket.SetReadLimit(b.cfg.MaxMessageBytes + readLimitHeadroom)

	b.writeFrame(connectedFrame(b.cfg.SessionID))
	if b.cfg.Banner != "" {
		b.writeFrame(outputFrame(b.cfg.Banner))
	}

	go b.outputPump()
	b.inputLoop(ctx)

	<-b.closed
}

// Close tears the bridge down from outside, e.g. during server drain. It
// is safe to call concurrently with Run.
func (b *Bridge) Close(code int, reason string) {
	b.teardown(code, reason)
}

// Done is closed once the bridge has fully torn down.
func (b *Bridge) Done() <-chan struct{} {
	return b.closed
}

// outputPump copies exec-stream bytes to the client as output frames, in
// the exact order the PTY emitted them.
func (b *Bridge) outputPump() {
	buf := make([]byte, outputBufSize)
	for {
		n, err := b.cfg.Stream.Read(buf)
		if n > 0 && !b.suppress.Load() {
			b.writeFrame(outputFrame(string(buf[:n])))
		}
		if err != nil {
			if err == io.EOF {
				b.teardown(websocket.CloseNormalClosure, "session ended")
			} else {
				logger.Warn().Err(err).Str("session_id", b.cfg.SessionID).Msg("exec stream read failed")
				b.teardown(websocket.CloseInternalServerErr, "container stream error")
			}
			return
		}
	}
}

func (b *Bridge) inputLoop(ctx context.Context) {
	for {
		select {
		case <-b.closed:
			return
		default:
		}

		_, raw, err := b.cfg.Socket.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseMessageTooBig) || err == websocket.ErrReadLimit {
				// Only frames beyond the headroom land here; the library
				// has already sent its close and no frame can follow it.
				b.teardown(websocket.CloseMessageTooBig, "message too large")
				return
			}
			b.teardown(websocket.CloseNormalClosure, "client disconnected")
			return
		}

		if int64(len(raw)) > b.cfg.MaxMessageBytes {
			b.writeFrame(errorFrame("message too large"))
			b.teardown(websocket.CloseMessageTooBig, "message too large")
			return
		}

		if b.cfg.OnActivity != nil {
			b.cfg.OnActivity()
		}

		frame := ParseClientFrame(raw)
		switch frame.Type {
		case TypeInput:
			if !b.handleInput(frame.Data) {
				return
			}
		case TypeResize:
			b.handleResize(ctx, frame.Cols, frame.Rows)
		case TypeInit:
			b.handleInit(frame)
		}
	}
}

// handleInput validates and forwards one input payload. Returns false when
// the bridge has been torn down.
func (b *Bridge) handleInput(data string) bool {
	if reason, ok := ValidateInput(data); !ok {
		logger.Warn().
			Str("session_id", b.cfg.SessionID).
			Str("conn_id", b.cfg.ConnID).
			Str("reason", reason).
			Msg("blocked suspicious terminal input")
		b.writeFrame(errorFrame("input rejected: " + reason))
		b.teardown(websocket.ClosePolicyViolation, "policy violation")
		return false
	}

	if !b.commandAllowed() {
		return true
	}

	if err := b.writeStream([]byte(data)); err != nil {
		logger.Warn().Err(err).Str("session_id", b.cfg.SessionID).Msg("exec stream write failed")
		b.teardown(websocket.CloseInternalServerErr, "container stream error")
		return false
	}
	return true
}

func (b *Bridge) handleResize(ctx context.Context, cols, rows int) {
	if b.cfg.Resize == nil || cols <= 0 || rows <= 0 {
		return
	}
	if err := b.cfg.Resize(ctx, b.cfg.ExecID, uint(cols), uint(rows)); err != nil {
		logger.Warn().Err(err).Str("session_id", b.cfg.SessionID).Msg("resize failed")
	}
}

// handleInit plays back setup commands into the PTY, pausing after each so
// the prompt settles. In silent mode intermediate output is suppressed
// from the client. Finishes with an initComplete frame either way.
func (b *Bridge) handleInit(frame ClientFrame) {
	timeout := defaultInitTimeout
	if frame.TimeoutMs > 0 {
		timeout = time.Duration(frame.TimeoutMs) * time.Millisecond
	}
	deadline := time.Now().Add(timeout)

	if frame.Silent {
		b.suppress.Store(true)
		defer b.suppress.Store(false)
	}

	for _, cmd := range frame.Commands {
		if time.Now().After(deadline) {
			b.writeFrame(initCompleteFrame(false, "init timed out"))
			return
		}
		if reason, ok := ValidateInput(cmd); !ok {
			b.writeFrame(initCompleteFrame(false, "command rejected: "+reason))
			return
		}
		if err := b.writeStream([]byte(cmd + "\n")); err != nil {
			b.writeFrame(initCompleteFrame(false, "container stream error"))
			return
		}
		time.Sleep(b.cfg.SettleDelay)
	}

	b.writeFrame(initCompleteFrame(true, ""))
}

// commandAllowed consults the command gate; on denial it informs the
// client and drops the input.
func (b *Bridge) commandAllowed() bool {
	if b.cfg.CheckCommand == nil {
		return true
	}
	allowed, retryAfter := b.cfg.CheckCommand()
	if allowed {
		return true
	}
	msg := "command rate limit exceeded"
	if retryAfter > 0 {
		msg = fmt.Sprintf("%s, retry in %ds", msg, int(retryAfter.Seconds())+1)
	}
	b.writeFrame(errorFrame(msg))
	return false
}

func (b *Bridge) writeStream(data []byte) error {
	b.streamMu.Lock()
	defer b.streamMu.Unlock()
	_, err := b.cfg.Stream.Write(data)
	return err
}

func (b *Bridge) writeFrame(frame ServerFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := b.cfg.Socket.WriteMessage(websocket.TextMessage, payload); err != nil {
		logger.Debug().Err(err).Str("session_id", b.cfg.SessionID).Msg("socket write failed")
	}
}

// teardown closes both ends exactly once: close frame to the client, then
// the socket, then the exec stream, then the release hook.
func (b *Bridge) teardown(code int, reason string) {
	b.closeOnce.Do(func() {
		b.writeMu.Lock()
		_ = b.cfg.Socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
		b.writeMu.Unlock()

		b.cfg.Socket.Close()
		b.cfg.Stream.Close()

		if b.cfg.OnClose != nil {
			b.cfg.OnClose()
		}

		logger.Info().
			Str("session_id", b.cfg.SessionID).
			Str("conn_id", b.cfg.ConnID).
			Int("close_code", code).
			Msg("terminal bridge closed")

		close(b.closed)
	})
}

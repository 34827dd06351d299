package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/MrWong99/duplex/internal/config"
	"github.com/MrWong99/duplex/internal/observe"
	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/convlog"
	"github.com/MrWong99/duplex/pkg/realtime"
)

var (
	// ErrAlreadyConnected is returned by [Assistant.Connect] while a session
	// is live.
	ErrAlreadyConnected = errors.New("app: assistant already connected")

	// ErrNotConnected is returned by session commands when no session is live.
	ErrNotConnected = errors.New("app: assistant not connected")
)

// Dialer opens the realtime transport. [realtime.Dial] in production.
type Dialer func(ctx context.Context, cfg realtime.DialConfig) (realtime.Conn, error)

// SessionInfo describes the live session.
type SessionInfo struct {
	Connected   bool
	State       realtime.TurnState
	ConnectedAt time.Time

	// LastError is the transport error that ended the previous session, if
	// any.
	LastError error
}

// AssistantConfig holds the dependencies of an [Assistant].
type AssistantConfig struct {
	Config  *config.Config
	Device  audio.Device
	Tools   realtime.ToolDispatcher
	Log     *convlog.Log
	Metrics *observe.Metrics
	Dial    Dialer
}

// Assistant owns at most one realtime session at a time. Each Connect builds
// a fresh capture pipeline, playback queue and session on the shared device,
// so turn state never leaks between connections. All methods are safe for
// concurrent use.
type Assistant struct {
	device  audio.Device
	tools   realtime.ToolDispatcher
	log     *convlog.Log
	metrics *observe.Metrics
	dial    Dialer

	mu          sync.Mutex
	cfg         *config.Config
	sess        *realtime.Session
	connectedAt time.Time
	lastErr     error
}

// NewAssistant creates a disconnected Assistant.
func NewAssistant(cfg AssistantConfig) *Assistant {
	dial := cfg.Dial
	if dial == nil {
		dial = realtime.Dial
	}
	return &Assistant{
		device:  cfg.Device,
		tools:   cfg.Tools,
		log:     cfg.Log,
		metrics: cfg.Metrics,
		dial:    dial,
		cfg:     cfg.Config,
	}
}

// Connect dials the realtime endpoint and starts a session. ctx bounds the
// handshake only; the session runs until [Assistant.Disconnect] or until the
// server goes away.
func (a *Assistant) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess != nil {
		return ErrAlreadyConnected
	}
	cfg := a.cfg

	ctx, span := observe.StartSpan(ctx, "realtime.connect")
	defer span.End()
	span.SetAttributes(
		attribute.String("realtime.model", cfg.Realtime.Model),
		attribute.String("audio.device", cfg.Audio.Device),
	)

	logger := observe.Logger(ctx)

	conn, err := a.dial(ctx, cfg.DialConfig())
	if err != nil {
		logger.Warn("assistant: dial failed", "url", cfg.Realtime.URL, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("app: connect: %w", err)
	}

	capture := audio.NewCapture(a.device.Input(),
		audio.WithChunkFrames(cfg.Audio.ChunkFrames),
		audio.WithVoiceProcessing(*cfg.Audio.VoiceProcessing),
	)
	var queueOpts []audio.QueueOption
	sessOpts := []realtime.Option{
		realtime.WithSessionConfig(cfg.RealtimeSession()),
		realtime.WithConversationLog(a.log),
		realtime.WithInputEncoding(cfg.Session.InputAudioFormat),
		realtime.WithOutputEncoding(cfg.Session.OutputAudioFormat),
		realtime.WithAutoOpenMic(*cfg.Session.AutoOpenMic),
	}
	if a.tools != nil {
		sessOpts = append(sessOpts, realtime.WithTools(a.tools))
	}
	if a.metrics != nil {
		queueOpts = append(queueOpts, audio.WithDepthObserver(a.metrics.ObserveQueueDepth))
		sessOpts = append(sessOpts, realtime.WithRecorder(a.metrics))
	}
	queue := audio.NewQueue(a.device.Output(), queueOpts...)
	sess := realtime.NewSession(conn, capture, queue, sessOpts...)

	a.sess = sess
	a.connectedAt = time.Now()
	a.lastErr = nil
	if a.metrics != nil {
		a.metrics.SessionStarted(ctx)
	}
	go a.run(sess)

	logger.Info("assistant connected", "url", cfg.Realtime.URL, "model", cfg.Realtime.Model)
	return nil
}

func (a *Assistant) run(sess *realtime.Session) {
	err := sess.Run(context.Background())

	if a.metrics != nil {
		a.metrics.SessionEnded(context.Background())
	}
	a.mu.Lock()
	if a.sess == sess {
		a.sess = nil
		a.lastErr = err
	}
	a.mu.Unlock()

	if err != nil {
		slog.Warn("assistant disconnected", "err", err)
	} else {
		slog.Info("assistant disconnected")
	}
}

// Disconnect stops capture, closes the transport and waits for the session to
// wind down or ctx to expire.
func (a *Assistant) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	sess := a.sess
	a.sess = nil
	a.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	_ = sess.CloseMic()
	if err := sess.Close(); err != nil {
		slog.Debug("assistant: close transport", "err", err)
	}
	select {
	case <-sess.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("app: disconnect: %w", ctx.Err())
	}
}

// Info reports the session status.
func (a *Assistant) Info() SessionInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sess == nil {
		return SessionInfo{State: realtime.Idle, LastError: a.lastErr}
	}
	return SessionInfo{Connected: true, State: a.sess.State(), ConnectedAt: a.connectedAt}
}

// Connected reports whether a session is live.
func (a *Assistant) Connected() bool {
	return a.Info().Connected
}

// Session commands. Each returns [ErrNotConnected] without a live session.

// OpenMic asks for the microphone; see [realtime.Session.OpenMic].
func (a *Assistant) OpenMic() error {
	return a.with(func(s *realtime.Session) error { return s.OpenMic() })
}

// CloseMic keeps the microphone closed.
func (a *Assistant) CloseMic() error {
	return a.with(func(s *realtime.Session) error { return s.CloseMic() })
}

// Interrupt aborts the current response.
func (a *Assistant) Interrupt() error {
	return a.with(func(s *realtime.Session) error { return s.Interrupt() })
}

// SendText sends a typed user message.
func (a *Assistant) SendText(text string) error {
	return a.with(func(s *realtime.Session) error { return s.SendText(text) })
}

// ApplyConfig makes cfg the config of future connections and pushes its
// session overrides to the live session, if any.
func (a *Assistant) ApplyConfig(cfg *config.Config) error {
	a.mu.Lock()
	a.cfg = cfg
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return nil
	}
	return sess.UpdateSession(cfg.RealtimeSession())
}

func (a *Assistant) with(fn func(*realtime.Session) error) error {
	a.mu.Lock()
	sess := a.sess
	a.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}
	if err := fn(sess); err != nil {
		if errors.Is(err, realtime.ErrClosed) {
			return ErrNotConnected
		}
		return err
	}
	return nil
}

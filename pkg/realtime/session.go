// Package realtime speaks the realtime speech protocol and runs the
// turn-taking state machine that ties the microphone, the playback queue and
// the model together.
//
// A [Session] owns one connection. All protocol state (turn state, the audio
// delta accumulator, the response-in-progress flag) lives on a single event
// loop goroutine started by [Session.Run]; inbound frames, playback
// completions, tool results and user commands are all delivered to that loop as
// messages, so none of it needs a lock.
//
// The microphone policy is half-duplex: capture stops as soon as the model
// starts a response and reopens only after the response is complete, any tool
// results have been looped back, and the playback queue has drained.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/duplex/pkg/audio"
	"github.com/MrWong99/duplex/pkg/convlog"
)

const tracerName = "github.com/MrWong99/duplex/pkg/realtime"

// ErrAlreadyRunning is returned by a second call to [Session.Run].
var ErrAlreadyRunning = errors.New("realtime: session already running")

// ToolDispatcher executes the functions the model calls. Call may be slow; it
// runs off the event loop. Names not listed by Tools are never called.
type ToolDispatcher interface {
	Tools() []Tool
	Call(ctx context.Context, name, arguments string) (string, error)
}

// ── Options ───────────────────────────────────────────────────────────────────

// Option is a functional option for [NewSession].
type Option func(*Session)

// WithSessionConfig sets the local overrides merged into the server session
// on session.created: instructions, voice, modalities, turn detection,
// transcription, tool choice, temperature and token limit.
func WithSessionConfig(cfg SessionConfig) Option {
	return func(s *Session) { s.local = cfg }
}

// WithTools sets the dispatcher whose tools are declared to the model.
func WithTools(d ToolDispatcher) Option {
	return func(s *Session) { s.tools = d }
}

// WithConversationLog sets the log that receives rendered responses and
// transcripts.
func WithConversationLog(l *convlog.Log) Option {
	return func(s *Session) { s.log = l }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(s *Session) { s.rec = r }
}

// WithInputEncoding sets the wire encoding of microphone audio. Default pcm16.
func WithInputEncoding(e audio.Encoding) Option {
	return func(s *Session) { s.inEnc = e }
}

// WithOutputEncoding sets the wire encoding of synthesised audio. Default
// pcm16.
func WithOutputEncoding(e audio.Encoding) Option {
	return func(s *Session) { s.outEnc = e }
}

// WithTracerProvider sets the provider of the per-response spans. Default is
// the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Session) { s.tracer = tp.Tracer(tracerName) }
}

// WithAutoOpenMic opens the microphone as soon as the session is configured.
func WithAutoOpenMic(enabled bool) Option {
	return func(s *Session) { s.wantMic = enabled }
}

// ── Session ───────────────────────────────────────────────────────────────────

// Session runs the protocol over one [Conn].
type Session struct {
	conn    Conn
	capture *audio.Capture
	queue   *audio.Queue
	tools   ToolDispatcher
	log     *convlog.Log
	rec     Recorder
	tracer  trace.Tracer
	local   SessionConfig
	inEnc   audio.Encoding
	outEnc  audio.Encoding

	// captureConv is used from the capture goroutine only; the mutex covers a
	// device that restarts its tap goroutine between chunks.
	captureMu   sync.Mutex
	captureConv *audio.Converter

	inbox   chan func(context.Context)
	done    chan struct{}
	state   atomic.Int32
	running atomic.Bool
	closed  atomic.Bool

	// Owned by the event loop.
	playConv       *audio.Converter
	configured     bool
	wantMic        bool
	responseActive bool
	serverResponse bool // response.created seen, response.done not yet
	acc            accumulator
	server         SessionConfig
	knownTools     map[string]bool
	toolGen        uint64
	responseStart  time.Time
	span           trace.Span
	spanCtx        context.Context
}

// NewSession creates a Session in the Idle state. The capture pipeline and the
// playback queue are driven exclusively by the session from now on.
func NewSession(conn Conn, capture *audio.Capture, queue *audio.Queue, opts ...Option) *Session {
	s := &Session{
		conn:       conn,
		capture:    capture,
		queue:      queue,
		rec:        nopRecorder{},
		tracer:     otel.Tracer(tracerName),
		inEnc:      audio.EncodingPCM16,
		outEnc:     audio.EncodingPCM16,
		inbox:      make(chan func(context.Context), 64),
		done:       make(chan struct{}),
		knownTools: map[string]bool{},
	}
	for _, o := range opts {
		o(s)
	}
	s.captureConv = audio.NewConverter(s.inEnc.Format())
	s.playConv = audio.NewConverter(queue.Format())
	return s
}

// State returns the current turn state. Safe to call from any goroutine.
func (s *Session) State() TurnState { return TurnState(s.state.Load()) }

// Done is closed when Run has returned.
func (s *Session) Done() <-chan struct{} { return s.done }

// Run drives the session until the connection ends or ctx is cancelled. It
// always stops capture before returning and lets already queued playback
// finish. A clean close (by [Session.Close], ctx or the server's normal
// closure) returns nil; any other transport failure is returned.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(s.done)

	frames := make(chan []byte, 64)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(frames)
		return s.readLoop(gctx, frames)
	})
	g.Go(func() error { return s.eventLoop(gctx, frames) })
	err := g.Wait()

	s.capture.Stop()
	s.endSpan("disconnected", nil)
	s.setState(context.WithoutCancel(ctx), Idle)
	_ = s.conn.Close()

	if s.closed.Load() || ctx.Err() != nil || errors.Is(err, ErrClosed) {
		slog.Info("realtime: session closed")
		return nil
	}
	slog.Warn("realtime: session terminated", "err", err)
	return err
}

// Close ends the session. Run returns nil shortly after. Idempotent.
func (s *Session) Close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

// ── Commands ──────────────────────────────────────────────────────────────────

// OpenMic asks for the microphone. It opens immediately when the model is not
// responding and nothing is playing; otherwise it opens at the end of the
// current turn.
func (s *Session) OpenMic() error {
	return s.post(func(ctx context.Context) {
		s.wantMic = true
		if s.State() == Idle {
			s.openMic(ctx)
		}
	})
}

// CloseMic stops the microphone and keeps it closed after future turns.
func (s *Session) CloseMic() error {
	return s.post(func(ctx context.Context) {
		s.wantMic = false
		s.capture.Stop()
		if s.State() == MicOpen {
			s.setState(ctx, Idle)
		}
	})
}

// Interrupt aborts the current response: queued playback is discarded
// without callbacks, a response the server started is cancelled, pending tool
// results are dropped, and the turn ends immediately.
func (s *Session) Interrupt() error {
	return s.post(func(ctx context.Context) {
		s.toolGen++
		s.queue.Flush()
		if s.serverResponse {
			if err := s.send(ctx, &ResponseCancel{}); err != nil {
				slog.Warn("realtime: failed to cancel response", "err", err)
			}
		}
		s.responseActive = false
		s.serverResponse = false
		s.acc.reset()
		s.endSpan("interrupted", nil)
		s.endTurn(ctx)
	})
}

// SendText adds a typed user message to the conversation and requests a
// response.
func (s *Session) SendText(text string) error {
	return s.post(func(ctx context.Context) {
		s.appendLog(convlog.KindUserText, RoleUser, text)
		if err := s.send(ctx, &ConversationItemCreate{Item: MessageItem(RoleUser, text)}); err != nil {
			slog.Warn("realtime: failed to send text", "err", err)
			return
		}
		if err := s.send(ctx, &ResponseCreate{}); err != nil {
			slog.Warn("realtime: failed to request response", "err", err)
		}
	})
}

// UpdateSession replaces the local overrides and, once the server session is
// known, pushes them with a session.update. Tool declarations are re-read from
// the dispatcher.
func (s *Session) UpdateSession(cfg SessionConfig) error {
	return s.post(func(ctx context.Context) {
		s.local = cfg
		if s.configured {
			s.sendSessionUpdate(ctx)
		}
	})
}

// post delivers fn to the event loop. Before Run starts, commands are
// buffered. After Run has returned it reports [ErrClosed].
func (s *Session) post(fn func(context.Context)) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	select {
	case s.inbox <- fn:
		return nil
	case <-s.done:
		return ErrClosed
	default:
		// Inbox full. Never block the caller, which may be the loop itself.
		go func() {
			select {
			case s.inbox <- fn:
			case <-s.done:
			}
		}()
		return nil
	}
}

// ── Loops ─────────────────────────────────────────────────────────────────────

func (s *Session) readLoop(ctx context.Context, frames chan<- []byte) error {
	for {
		data, err := s.conn.Read(ctx)
		if err != nil {
			return err
		}
		select {
		case frames <- data:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *Session) eventLoop(ctx context.Context, frames <-chan []byte) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data, ok := <-frames:
			if !ok {
				return nil
			}
			s.handleFrame(ctx, data)
		case fn := <-s.inbox:
			fn(ctx)
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, data []byte) {
	ev, err := Decode(data)
	if err != nil {
		s.rec.DecodeError(ctx)
		slog.Warn("realtime: discarding malformed frame", "err", err, "bytes", len(data))
		return
	}
	if ev == nil {
		return
	}

	switch ev := ev.(type) {
	case *SessionCreated:
		s.server = ev.Session
		slog.Info("realtime: session created", "session_id", ev.Session.ID, "model", ev.Session.Model)
		s.sendSessionUpdate(ctx)
		s.configured = true
		if s.wantMic && s.State() == Idle {
			s.openMic(ctx)
		}

	case *SessionUpdated:
		s.server = ev.Session
		slog.Debug("realtime: session updated", "session_id", ev.Session.ID)

	case *ResponseCreated:
		s.onResponseCreated(ctx, ev)

	case *ResponseAudioDelta:
		if s.responseActive {
			s.acc.append(ev.Delta)
		}

	case *ResponseAudioDone:
		if !s.responseActive {
			s.acc.reset()
			return
		}
		s.enqueueAudio(ctx)

	case *ResponseDone:
		s.onResponseDone(ctx, ev)

	case *ResponseAudioTranscriptDone:
		slog.Debug("realtime: assistant transcript", "item_id", ev.ItemID, "transcript", ev.Transcript)

	case *InputTranscriptionCompleted:
		if ev.Transcript != "" {
			s.appendLog(convlog.KindUserTranscript, RoleUser, ev.Transcript)
		}

	case *ErrorEvent:
		s.rec.ServerError(ctx, ev.Error.Code)
		slog.Warn("realtime: server error",
			"type", ev.Error.Type,
			"code", ev.Error.Code,
			"message", ev.Error.Message,
		)
	}
}

// ── Turn handling ─────────────────────────────────────────────────────────────

func (s *Session) onResponseCreated(ctx context.Context, ev *ResponseCreated) {
	s.endSpan("superseded", nil)
	s.responseActive = true
	s.serverResponse = true
	s.responseStart = time.Now()
	s.acc.reset()
	s.capture.Stop()
	s.setState(ctx, AwaitingResponse)
	s.spanCtx, s.span = s.tracer.Start(ctx, "realtime.response",
		trace.WithAttributes(attribute.String("response.id", ev.Response.ID)),
	)
}

func (s *Session) onResponseDone(ctx context.Context, ev *ResponseDone) {
	resp := ev.Response
	turnCtx := s.turnContext(ctx)
	if s.responseActive && !s.acc.empty() {
		// Audio that never got its audio.done.
		s.enqueueAudio(turnCtx)
	}
	s.responseActive = false
	s.serverResponse = false
	if !s.responseStart.IsZero() {
		s.rec.ResponseDone(ctx, resp.Status, time.Since(s.responseStart))
		s.responseStart = time.Time{}
	}
	var spanErr error
	if resp.Status == StatusFailed {
		spanErr = fmt.Errorf("response %s failed", resp.ID)
	}
	s.endSpan(resp.Status, spanErr)

	if text := RenderResponse(resp); text != "" {
		s.appendLog(convlog.KindResponse, RoleAssistant, text)
	}

	var calls []Item
	if resp.Status != StatusCancelled {
		for _, item := range resp.Output {
			if item.Type != ItemFunctionCall {
				continue
			}
			if !s.knownTools[item.Name] {
				slog.WarnContext(turnCtx, "realtime: model called unknown tool", "name", item.Name, "call_id", item.CallID)
				continue
			}
			calls = append(calls, item)
		}
	}

	switch {
	case len(calls) > 0:
		// A follow-up response is coming; the turn is not over.
		s.responseActive = true
		s.setState(ctx, AwaitingResponse)
		s.dispatchTools(turnCtx, calls)
	default:
		s.settleTurn(ctx)
	}
}

// settleTurn moves to ResponsePlaying while audio is queued and ends the turn
// otherwise.
func (s *Session) settleTurn(ctx context.Context) {
	if s.queue.IsPlaying() {
		s.setState(ctx, ResponsePlaying)
		return
	}
	s.endTurn(ctx)
}

// abandonFollowUp gives up on the follow-up response of a tool turn. A
// response the server started in the meantime keeps the turn.
func (s *Session) abandonFollowUp(ctx context.Context) {
	if s.serverResponse {
		return
	}
	s.responseActive = false
	s.settleTurn(ctx)
}

// enqueueAudio decodes the accumulated deltas, converts them to the playback
// format and appends them to the queue. The accumulator is always reset.
func (s *Session) enqueueAudio(ctx context.Context) {
	if s.acc.empty() {
		return
	}
	data, err := s.acc.decode()
	s.acc.reset()
	if err != nil {
		s.rec.DecodeError(ctx)
		slog.WarnContext(ctx, "realtime: dropping undecodable response audio", "err", err)
		return
	}

	buf, err := s.playConv.Convert(s.outEnc.Decode(data))
	if err != nil {
		s.rec.ConversionError(ctx, "playback", err)
		slog.WarnContext(ctx, "realtime: dropping response audio", "err", err)
		return
	}
	if buf.Frames == 0 {
		return
	}
	s.capture.Stop()
	s.queue.Enqueue(buf, s.playbackFinished)
}

// playbackFinished runs on the audio goroutine.
func (s *Session) playbackFinished() {
	_ = s.post(func(ctx context.Context) {
		if s.responseActive || s.queue.IsPlaying() {
			return
		}
		if s.State() == ResponsePlaying {
			s.endTurn(ctx)
		}
	})
}

// endTurn closes the turn: the microphone reopens if the user wants it,
// otherwise the session idles.
func (s *Session) endTurn(ctx context.Context) {
	if s.wantMic {
		s.openMic(ctx)
		return
	}
	s.setState(ctx, Idle)
}

// openMic starts capture unless the model is responding or audio is queued.
func (s *Session) openMic(ctx context.Context) {
	if !s.configured || s.responseActive || s.queue.IsPlaying() {
		return
	}
	s.capture.Start(s.captureChunk(ctx))
	if s.capture.Running() {
		s.setState(ctx, MicOpen)
		return
	}
	s.setState(ctx, Idle)
}

// captureChunk returns the tap that converts microphone chunks to the wire
// format and streams them. It runs on the capture goroutine.
func (s *Session) captureChunk(ctx context.Context) func(audio.Buffer) {
	return func(buf audio.Buffer) {
		s.captureMu.Lock()
		out, err := s.captureConv.Convert(buf)
		s.captureMu.Unlock()
		if err != nil {
			s.rec.ConversionError(ctx, "capture", err)
			slog.Debug("realtime: dropping capture chunk", "err", err)
			return
		}
		wire, err := s.inEnc.Encode(out)
		if err != nil {
			s.rec.ConversionError(ctx, "capture", err)
			return
		}
		if len(wire) == 0 {
			return
		}
		s.rec.CaptureChunk(ctx, len(wire))
		ev := &InputAudioBufferAppend{Audio: base64.StdEncoding.EncodeToString(wire)}
		if err := s.send(ctx, ev); err != nil {
			slog.Debug("realtime: failed to send capture chunk", "err", err)
		}
	}
}

// dispatchTools runs calls in order off the loop and loops the results back.
// turnCtx carries the span of the response that made the calls.
func (s *Session) dispatchTools(turnCtx context.Context, calls []Item) {
	gen := s.toolGen
	go func() {
		outputs := make([]Item, 0, len(calls))
		for _, c := range calls {
			out, err := s.tools.Call(turnCtx, c.Name, c.Arguments)
			if err != nil {
				slog.WarnContext(turnCtx, "realtime: tool call failed", "name", c.Name, "err", err)
				out = errorOutput(err)
			}
			outputs = append(outputs, FunctionCallOutputItem(c.CallID, out))
		}
		_ = s.post(func(ctx context.Context) { s.onToolResults(ctx, turnCtx, gen, outputs) })
	}()
}

func (s *Session) onToolResults(ctx, turnCtx context.Context, gen uint64, outputs []Item) {
	if gen != s.toolGen {
		slog.DebugContext(turnCtx, "realtime: dropping tool results of interrupted response")
		return
	}
	for _, item := range outputs {
		if err := s.send(ctx, &ConversationItemCreate{Item: item}); err != nil {
			slog.WarnContext(turnCtx, "realtime: failed to send tool output", "call_id", item.CallID, "err", err)
			s.abandonFollowUp(ctx)
			return
		}
	}
	if err := s.send(ctx, &ResponseCreate{}); err != nil {
		slog.WarnContext(turnCtx, "realtime: failed to request follow-up response", "err", err)
		s.abandonFollowUp(ctx)
	}
}

// errorOutput renders a failed call as the JSON object {"error": "..."}.
func errorOutput(err error) string {
	out, mErr := sonic.ConfigStd.MarshalToString(map[string]string{"error": err.Error()})
	if mErr != nil {
		return `{"error":"tool call failed"}`
	}
	return out
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// sessionUpdate merges the local overrides and tool declarations into the
// server's session.
func (s *Session) sessionUpdate() SessionConfig {
	cfg := s.server
	cfg.ID, cfg.Object = "", ""
	l := s.local

	if l.Instructions != "" {
		cfg.Instructions = l.Instructions
	}
	if l.Voice != "" {
		cfg.Voice = l.Voice
	}
	if len(l.Modalities) > 0 {
		cfg.Modalities = l.Modalities
	}
	if l.InputAudioTranscription != nil {
		cfg.InputAudioTranscription = l.InputAudioTranscription
	}
	if l.TurnDetection != nil {
		cfg.TurnDetection = l.TurnDetection
	}
	if l.ToolChoice != "" {
		cfg.ToolChoice = l.ToolChoice
	}
	if l.Temperature > 0 {
		cfg.Temperature = l.Temperature
	}
	if l.MaxResponseOutputTokens > 0 {
		cfg.MaxResponseOutputTokens = l.MaxResponseOutputTokens
	}
	cfg.InputAudioFormat = string(s.inEnc)
	cfg.OutputAudioFormat = string(s.outEnc)

	tools := l.Tools
	if s.tools != nil {
		tools = s.tools.Tools()
	}
	if tools == nil {
		tools = []Tool{}
	}
	cfg.Tools = tools
	return cfg
}

func (s *Session) sendSessionUpdate(ctx context.Context) {
	cfg := s.sessionUpdate()
	known := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		known[t.Name] = true
	}
	if s.tools == nil {
		// Declared without a dispatcher: nothing can run them.
		known = map[string]bool{}
	}
	s.knownTools = known
	if err := s.send(ctx, &SessionUpdate{Session: cfg}); err != nil {
		slog.Warn("realtime: failed to send session update", "err", err)
	}
}

func (s *Session) send(ctx context.Context, ev ClientEvent) error {
	data, err := Encode(ev)
	if err != nil {
		return err
	}
	return s.conn.Write(ctx, data)
}

func (s *Session) setState(ctx context.Context, to TurnState) {
	from := TurnState(s.state.Swap(int32(to)))
	if from == to {
		return
	}
	s.rec.StateChange(ctx, from, to)
	slog.Debug("realtime: turn state", "from", from.String(), "to", to.String())
}

func (s *Session) appendLog(kind convlog.Kind, role, text string) {
	if s.log == nil {
		return
	}
	s.log.Append(convlog.Entry{SessionID: s.server.ID, Kind: kind, Role: role, Text: text})
}

// turnContext returns the context of the current response span, or ctx when
// no response is in progress.
func (s *Session) turnContext(ctx context.Context) context.Context {
	if s.spanCtx != nil {
		return s.spanCtx
	}
	return ctx
}

func (s *Session) endSpan(status string, err error) {
	if s.span == nil {
		return
	}
	s.span.SetAttributes(attribute.String("response.status", status))
	if err != nil {
		s.span.RecordError(err)
		s.span.SetStatus(codes.Error, err.Error())
	}
	s.span.End()
	s.span = nil
	s.spanCtx = nil
}

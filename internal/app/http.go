package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/bytedance/sonic"

	"github.com/MrWong99/duplex/pkg/convlog"
)

// maxBodyBytes bounds control request bodies.
const maxBodyBytes = 64 << 10

// EntrySearcher finds persisted conversation entries by text.
// *postgres.Store satisfies it.
type EntrySearcher interface {
	Search(ctx context.Context, query string, limit int) ([]convlog.Entry, error)
}

type micRequest struct {
	Open *bool `json:"open"`
}

type textRequest struct {
	Text string `json:"text"`
}

type statusResponse struct {
	Connected   bool       `json:"connected"`
	State       string     `json:"state"`
	ConnectedAt *time.Time `json:"connected_at,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	LogEntries  int        `json:"log_entries"`
}

type entryDTO struct {
	Seq       int64     `json:"seq"`
	SessionID string    `json:"session_id,omitempty"`
	Kind      string    `json:"kind"`
	Role      string    `json:"role,omitempty"`
	Text      string    `json:"text"`
	Time      time.Time `json:"time"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toDTO(e convlog.Entry) entryDTO {
	return entryDTO{
		Seq:       e.Seq,
		SessionID: e.SessionID,
		Kind:      string(e.Kind),
		Role:      e.Role,
		Text:      e.Text,
		Time:      e.Time,
	}
}

func toDTOs(entries []convlog.Entry) []entryDTO {
	out := make([]entryDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDTO(e))
	}
	return out
}

// controlHandler serves the UI control surface of one [Assistant].
type controlHandler struct {
	assistant *Assistant
	log       *convlog.Log
	search    EntrySearcher

	// stop ends open log streams when the server shuts down.
	stop <-chan struct{}
}

// Register mounts the control routes on mux.
func (h *controlHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", h.status)
	mux.HandleFunc("POST /session/connect", h.connect)
	mux.HandleFunc("POST /session/disconnect", h.disconnect)
	mux.HandleFunc("POST /session/mic", h.mic)
	mux.HandleFunc("POST /session/interrupt", h.interrupt)
	mux.HandleFunc("POST /session/text", h.text)
	mux.HandleFunc("GET /session/log", h.entries)
	mux.HandleFunc("GET /session/log/stream", h.stream)
	if h.search != nil {
		mux.HandleFunc("GET /session/log/search", h.searchEntries)
	}
}

func (h *controlHandler) status(w http.ResponseWriter, _ *http.Request) {
	info := h.assistant.Info()
	resp := statusResponse{
		Connected:  info.Connected,
		State:      info.State.String(),
		LogEntries: h.log.Len(),
	}
	if info.Connected {
		resp.ConnectedAt = &info.ConnectedAt
	}
	if info.LastError != nil {
		resp.LastError = info.LastError.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *controlHandler) connect(w http.ResponseWriter, r *http.Request) {
	err := h.assistant.Connect(r.Context())
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrAlreadyConnected):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusBadGateway, err)
	}
}

func (h *controlHandler) disconnect(w http.ResponseWriter, r *http.Request) {
	h.command(w, h.assistant.Disconnect(r.Context()))
}

func (h *controlHandler) mic(w http.ResponseWriter, r *http.Request) {
	var req micRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Open == nil {
		writeError(w, http.StatusBadRequest, errors.New(`"open" is required`))
		return
	}
	if *req.Open {
		h.command(w, h.assistant.OpenMic())
	} else {
		h.command(w, h.assistant.CloseMic())
	}
}

func (h *controlHandler) interrupt(w http.ResponseWriter, _ *http.Request) {
	h.command(w, h.assistant.Interrupt())
}

func (h *controlHandler) text(w http.ResponseWriter, r *http.Request) {
	var req textRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Text == "" {
		writeError(w, http.StatusBadRequest, errors.New(`"text" is required`))
		return
	}
	h.command(w, h.assistant.SendText(req.Text))
}

// entries returns the log, optionally only entries with Seq > since.
func (h *controlHandler) entries(w http.ResponseWriter, r *http.Request) {
	var since int64
	if s := r.URL.Query().Get("since"); s != "" {
		n, err := strconv.ParseInt(s, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errors.New("since must be a non-negative integer"))
			return
		}
		since = n
	}
	all := h.log.Entries()
	out := make([]entryDTO, 0, len(all))
	for _, e := range all {
		if e.Seq > since {
			out = append(out, toDTO(e))
		}
	}
	writeJSON(w, http.StatusOK, out)
}

// stream pushes new entries as server-sent events until the client leaves,
// the log closes or the server shuts down.
func (h *controlHandler) stream(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)
	ch, cancel := h.log.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("app: log stream cannot flush", "err", err)
		return
	}

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.stop:
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			data, err := sonic.Marshal(toDTO(e))
			if err != nil {
				slog.Warn("app: encode log entry", "seq", e.Seq, "err", err)
				continue
			}
			if _, err := io.WriteString(w, "id: "+strconv.FormatInt(e.Seq, 10)+"\ndata: "+string(data)+"\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func (h *controlHandler) searchEntries(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	if q == "" {
		writeError(w, http.StatusBadRequest, errors.New("q is required"))
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("limit must be a positive integer"))
			return
		}
		limit = n
	}
	found, err := h.search.Search(r.Context(), q, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, toDTOs(found))
}

func (h *controlHandler) command(w http.ResponseWriter, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, ErrNotConnected):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, err)
		return false
	}
	if err := sonic.Unmarshal(data, v); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("invalid JSON body"))
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		slog.Error("app: encode response", "err", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

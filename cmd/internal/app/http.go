package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chatsync/cmd/internal/banlist"
	"chatsync/cmd/internal/channel"
	"chatsync/cmd/internal/history"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 64 << 10

func registerHTTP(mux *http.ServeMux, a *App) {
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if a.cfg.ReadinessRequireDB && a.dbPool == nil {
			http.Error(w, "db not configured", http.StatusServiceUnavailable)
			return
		}

		if a.dbPool != nil {
			if err := PingDB(r.Context(), a.dbPool, 2*time.Second); err != nil {
				http.Error(w, "db not ready", http.StatusServiceUnavailable)
				a.log.Info("readyz.db.not_ready", "err", err)
				return
			}
		}

		if a.ws != nil && !a.ws.Connected() {
			http.Error(w, "realtime not connected", http.StatusServiceUnavailable)
			return
		}

		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready\n"))
	})

	mux.Handle("GET /metrics", promhttp.HandlerFor(a.metrics, promhttp.HandlerOpts{Registry: a.metrics}))

	mux.HandleFunc("GET /v1/channels", a.handleListChannels)
	mux.HandleFunc("PUT /v1/channels/{id}", a.handleOpenChannel)
	mux.HandleFunc("GET /v1/channels/{id}", a.withChannel(a.handleGetChannel))
	mux.HandleFunc("DELETE /v1/channels/{id}", a.handleCloseChannel)
	mux.HandleFunc("POST /v1/channels/{id}/load", a.withChannel(a.handleLoad))
	mux.HandleFunc("POST /v1/channels/{id}/jump", a.withChannel(a.handleJump))
	mux.HandleFunc("POST /v1/channels/{id}/read", a.withChannel(a.handleRead))
	mux.HandleFunc("POST /v1/channels/{id}/typing", a.withChannel(a.handleTyping))
	mux.HandleFunc("POST /v1/channels/{id}/messages", a.withChannel(a.handleSend))
	mux.HandleFunc("PATCH /v1/channels/{id}/messages/{msg}", a.withChannel(a.handleEdit))
	mux.HandleFunc("DELETE /v1/channels/{id}/messages/{msg}", a.withChannel(a.handleDelete))

	mux.HandleFunc("GET /v1/bans", a.handleListBans)
	mux.HandleFunc("PUT /v1/bans/{channel}/{user}", a.handlePutBan)
	mux.HandleFunc("DELETE /v1/bans/{channel}/{user}", a.handleRemoveBan)
}

type channelHandler func(w http.ResponseWriter, r *http.Request, ch *channel.Channel)

// withChannel resolves {id} to an open channel or answers 404.
func (a *App) withChannel(h channelHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ch, ok := a.registry.Get(r.PathValue("id"))
		if !ok {
			writeError(w, http.StatusNotFound, "channel_not_open", "channel is not open")
			return
		}
		h(w, r, ch)
	}
}

func (a *App) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"channels": a.registry.IDs()})
}

func (a *App) handleOpenChannel(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" || strings.ContainsAny(id, "/.*> ") {
		writeError(w, http.StatusBadRequest, "invalid_channel_id", "invalid channel id")
		return
	}
	ch, err := a.openChannel(r.Context(), id)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if ch.State().Phase == channel.PhaseEmpty {
		if err := ch.LoadFirstPage(r.Context()); err != nil {
			a.writeErr(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, viewState(ch.State()))
}

func (a *App) handleGetChannel(w http.ResponseWriter, _ *http.Request, ch *channel.Channel) {
	writeJSON(w, http.StatusOK, viewState(ch.State()))
}

func (a *App) handleCloseChannel(w http.ResponseWriter, r *http.Request) {
	if !a.closeChannel(r.PathValue("id")) {
		writeError(w, http.StatusNotFound, "channel_not_open", "channel is not open")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loadRequest struct {
	Direction string `json:"direction"`
}

func (a *App) handleLoad(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	var req loadRequest
	if !decodeBody(w, r, &req) {
		return
	}

	var err error
	switch strings.ToLower(req.Direction) {
	case "", "first":
		err = ch.LoadFirstPage(r.Context())
	case "previous", "older":
		err = ch.LoadPrevious(r.Context())
	case "next", "newer":
		err = ch.LoadNext(r.Context())
	case "resync":
		err = ch.Resync(r.Context())
	default:
		writeError(w, http.StatusBadRequest, "invalid_direction", "direction must be first, previous, next or resync")
		return
	}
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewState(ch.State()))
}

type jumpRequest struct {
	MessageID string `json:"message_id"`
}

func (a *App) handleJump(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	var req jumpRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.MessageID) == "" {
		writeError(w, http.StatusBadRequest, "missing_message_id", "message_id is required")
		return
	}
	idx, err := ch.JumpTo(r.Context(), req.MessageID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"index": idx,
		"state": viewState(ch.State()),
	})
}

func (a *App) handleRead(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	mk, changed, err := a.markRead(r.Context(), ch)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"marker":  viewMarker(mk),
		"changed": changed,
		"unread":  ch.State().Unread.Count,
	})
}

type typingRequest struct {
	Typing bool `json:"typing"`
}

func (a *App) handleTyping(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	var req typingRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := a.setTyping(r.Context(), ch, req.Typing); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Text     string `json:"text"`
	ParentID string `json:"parent_id"`
}

func (a *App) handleSend(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	var req sendRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		writeError(w, http.StatusBadRequest, "missing_text", "text is required")
		return
	}
	m, err := a.sendMessage(r.Context(), ch, req.Text, req.ParentID)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	status := http.StatusCreated
	if m.Pending {
		status = http.StatusAccepted
	}
	writeJSON(w, status, viewMessage(m))
}

type editRequest struct {
	Text string `json:"text"`
}

func (a *App) handleEdit(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	var req editRequest
	if !decodeBody(w, r, &req) {
		return
	}
	m, err := a.editMessage(r.Context(), ch, r.PathValue("msg"), req.Text)
	if err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewMessage(m))
}

func (a *App) handleDelete(w http.ResponseWriter, r *http.Request, ch *channel.Channel) {
	if _, err := a.deleteMessage(r.Context(), ch, r.PathValue("msg")); err != nil {
		a.writeErr(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListBans pages through bans with a Controller. ?pages=N loads N pages (default 1).
func (a *App) handleListBans(w http.ResponseWriter, r *http.Request) {
	q, pages, err := parseBanQuery(r, time.Now())
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_query", err.Error())
		return
	}

	c := banlist.NewController(a.bans, q, a.log)
	if err := c.LoadFirstPage(r.Context()); err != nil {
		a.writeErr(w, err)
		return
	}
	for i := 1; i < pages && !c.HasLoadedAll(); i++ {
		if err := c.LoadNextPage(r.Context()); err != nil {
			a.writeErr(w, err)
			return
		}
	}

	bans := c.Bans()
	out := make([]banView, 0, len(bans))
	for _, b := range bans {
		out = append(out, viewBan(b))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bans":           out,
		"has_loaded_all": c.HasLoadedAll(),
	})
}

func parseBanQuery(r *http.Request, now time.Time) (banlist.Query, int, error) {
	v := r.URL.Query()
	q := banlist.Query{
		Filter: banlist.Filter{
			ChannelID:  v.Get("channel_id"),
			UserID:     v.Get("user_id"),
			BannedByID: v.Get("banned_by_id"),
			Reason:     v.Get("reason"),
		},
		Ascending: strings.EqualFold(v.Get("order"), "asc"),
	}

	var err error
	if s := v.Get("created_after"); s != "" {
		if q.Filter.CreatedAfter, err = time.Parse(time.RFC3339, s); err != nil {
			return q, 0, errors.New("created_after must be RFC3339")
		}
	}
	if s := v.Get("created_before"); s != "" {
		if q.Filter.CreatedBefore, err = time.Parse(time.RFC3339, s); err != nil {
			return q, 0, errors.New("created_before must be RFC3339")
		}
	}
	if s := v.Get("active"); s != "" {
		active, err := strconv.ParseBool(s)
		if err != nil {
			return q, 0, errors.New("active must be a boolean")
		}
		if active {
			q.Filter.ActiveAt = now
		}
	}
	if s := v.Get("page_size"); s != "" {
		if q.PageSize, err = strconv.Atoi(s); err != nil || q.PageSize <= 0 {
			return q, 0, errors.New("page_size must be a positive integer")
		}
	}
	pages := 1
	if s := v.Get("pages"); s != "" {
		if pages, err = strconv.Atoi(s); err != nil || pages <= 0 {
			return q, 0, errors.New("pages must be a positive integer")
		}
	}
	return q, pages, nil
}

type banRequest struct {
	BannedByID string    `json:"banned_by_id"`
	Reason     string    `json:"reason"`
	ExpiresAt  time.Time `json:"expires_at"`
}

func (a *App) handlePutBan(w http.ResponseWriter, r *http.Request) {
	var req banRequest
	if !decodeBody(w, r, &req) {
		return
	}
	b := banlist.Ban{
		ChannelID:  r.PathValue("channel"),
		UserID:     r.PathValue("user"),
		BannedByID: req.BannedByID,
		Reason:     req.Reason,
		CreatedAt:  time.Now().UTC(),
		ExpiresAt:  req.ExpiresAt,
	}
	if err := a.bans.PutBan(r.Context(), b); err != nil {
		a.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewBan(b))
}

func (a *App) handleRemoveBan(w http.ResponseWriter, r *http.Request) {
	ok, err := a.bans.RemoveBan(r.Context(), r.PathValue("channel"), r.PathValue("user"))
	if err != nil {
		a.writeErr(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "ban_not_found", "ban not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// decodeBody reads an optional JSON body. An empty body leaves dst untouched.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body == nil || r.ContentLength == 0 {
		return true
	}
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

// writeErr maps domain errors to HTTP statuses.
func (a *App) writeErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, channel.ErrMessageNotFound), errors.Is(err, history.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, channel.ErrNotLoaded):
		writeError(w, http.StatusConflict, "not_loaded", err.Error())
	case errors.Is(err, channel.ErrClosed):
		writeError(w, http.StatusGone, "channel_closed", err.Error())
	case errors.Is(err, ErrUnsupported):
		writeError(w, http.StatusNotImplemented, "unsupported", err.Error())
	case errors.Is(err, history.ErrInvalidInput), errors.Is(err, banlist.ErrInvalidBan):
		writeError(w, http.StatusBadRequest, "invalid_input", err.Error())
	case errors.Is(err, channel.ErrInitialLoad), errors.Is(err, channel.ErrTransientFetch):
		writeError(w, http.StatusBadGateway, "fetch_failed", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "timeout", err.Error())
	default:
		a.log.Error("http.internal_error", "err", err)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]errorBody{"error": {Code: code, Message: msg}})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

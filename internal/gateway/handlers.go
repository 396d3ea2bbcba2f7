package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/billing"
	"github.com/floegence/widgetchat/internal/sessionstore"
	"github.com/floegence/widgetchat/internal/transcript"
	"github.com/floegence/widgetchat/internal/upload"
	"github.com/floegence/widgetchat/internal/widget"
)

type apiResp struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Data  any    `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiResp{OK: false, Error: msg})
}

type transcriptView struct {
	ConversationID string                 `json:"conversation_id"`
	Status         string                 `json:"status"`
	Pager          transcript.Status      `json:"pager"`
	Messages       []transcript.UIMessage `json:"messages"`
	Suggestions    []string               `json:"suggestions"`
	Input          widget.InputState      `json:"input"`
}

func viewOf(s *widget.Session) transcriptView {
	v := transcriptView{
		ConversationID: s.ConversationID(),
		Pager:          s.PagerStatus(),
		Messages:       s.Transcript(),
		Suggestions:    s.VisibleSuggestions(),
		Input:          s.Input(),
	}
	if c := s.Conversation(); c != nil {
		v.Status = c.Status
	}
	return v
}

type countedView struct {
	Added int `json:"added"`
	transcriptView
}

type sendView struct {
	Sent bool `json:"sent"`
	transcriptView
}

func contactSessionID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(headerContactSession))
}

func conversationID(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "conversationID"))
}

// session resolves the request's session, writing the error response itself on failure.
func (g *Gateway) session(w http.ResponseWriter, r *http.Request) (*widget.Session, bool) {
	s, err := g.sessions.get(r.Context(), contactSessionID(r), conversationID(r))
	if err != nil {
		g.writeSessionErr(w, err)
		return nil, false
	}
	return s, true
}

// writeSessionErr maps widget, upload and backend errors onto HTTP statuses.
func (g *Gateway) writeSessionErr(w http.ResponseWriter, err error) {
	var be *backend.Error
	var se *upload.StageError
	switch {
	case errors.Is(err, widget.ErrNoConversation):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, widget.ErrConversationNotFound), errors.Is(err, widget.ErrSuggestionNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case errors.Is(err, widget.ErrConversationResolved), errors.Is(err, transcript.ErrNotLoaded):
		writeErr(w, http.StatusConflict, err.Error())
	case errors.Is(err, upload.ErrNotImage),
		errors.Is(err, upload.ErrImageTooLarge),
		errors.Is(err, upload.ErrTooManyImages),
		errors.Is(err, upload.ErrEmptyImageData):
		writeErr(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &se), errors.As(err, &be):
		writeErr(w, http.StatusBadGateway, err.Error())
	default:
		g.log.Warn("widget request failed", "error", err)
		writeErr(w, http.StatusInternalServerError, "internal error")
	}
}

func (g *Gateway) handleTranscript(w http.ResponseWriter, r *http.Request) {
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: viewOf(s)})
}

func (g *Gateway) handleLoadMore(w http.ResponseWriter, r *http.Request) {
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	n, err := s.LoadMore(r.Context())
	if err != nil {
		g.writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: countedView{Added: n, transcriptView: viewOf(s)}})
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	n, err := s.Refresh(r.Context())
	if err != nil {
		g.writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: countedView{Added: n, transcriptView: viewOf(s)}})
}

func (g *Gateway) handleInput(w http.ResponseWriter, r *http.Request) {
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: s.Input()})
}

type sendMessageRequest struct {
	Message string `json:"message"`
}

// handleSendMessage accepts either JSON {"message": "..."} or a multipart form
// with a "message" field and any number of "images" files.
func (g *Gateway) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, g.maxBody)

	var text string
	var files []upload.File
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		var err error
		text, files, err = readMultipartMessage(r, g.maxBody)
		if err != nil {
			writeErr(w, http.StatusBadRequest, err.Error())
			return
		}
	} else {
		var req sendMessageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid json")
			return
		}
		text = req.Message
	}

	// The request carries the whole draft.
	s.ClearImages()
	if len(files) > 0 {
		if _, err := s.AddImages(files...); err != nil {
			s.ClearImages()
			g.writeSessionErr(w, err)
			return
		}
	}

	sent, err := s.Submit(r.Context(), text)
	if err != nil {
		g.writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: sendView{Sent: sent, transcriptView: viewOf(s)}})
}

func readMultipartMessage(r *http.Request, maxBody int64) (string, []upload.File, error) {
	if err := r.ParseMultipartForm(maxBody); err != nil {
		return "", nil, fmt.Errorf("invalid multipart form: %w", err)
	}
	text := r.FormValue("message")

	var files []upload.File
	for _, fh := range r.MultipartForm.File["images"] {
		f, err := fh.Open()
		if err != nil {
			return "", nil, err
		}
		data, err := io.ReadAll(f)
		_ = f.Close()
		if err != nil {
			return "", nil, err
		}
		files = append(files, upload.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Data:        data,
		})
	}
	return text, files, nil
}

func (g *Gateway) handleSuggestion(w http.ResponseWriter, r *http.Request) {
	idx, err := strconv.Atoi(chi.URLParam(r, "index"))
	if err != nil {
		writeErr(w, http.StatusBadRequest, "invalid suggestion index")
		return
	}
	s, ok := g.session(w, r)
	if !ok {
		return
	}
	sent, err := s.SubmitSuggestion(r.Context(), idx)
	if err != nil {
		g.writeSessionErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: sendView{Sent: sent, transcriptView: viewOf(s)}})
}

func (g *Gateway) handleBack(w http.ResponseWriter, r *http.Request) {
	cs, conv := contactSessionID(r), conversationID(r)
	if s := g.sessions.peek(cs, conv); s != nil {
		s.Back(r.Context())
	}
	g.sessions.forget(cs, conv)
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: map[string]any{"conversation_id": nil, "screen": sessionstore.ScreenSelection}})
}

func (g *Gateway) handleBillingView(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: billing.BillingView()})
}

func (g *Gateway) handlePricingTable(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, apiResp{OK: true, Data: billing.OrganizationPricingTable()})
}

package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/content"
	"github.com/floegence/widgetchat/internal/transcript"
	"github.com/floegence/widgetchat/internal/upload"
)

type stubBackend struct {
	mu sync.Mutex

	conversations map[string]*backend.Conversation
	msgs          []backend.RawMessage // oldest first
	settings      *backend.WidgetSettings

	transfer func(contentType string, data []byte) (string, error)
	created  []backend.CreateMessageRequest
}

func newStubBackend(status string) *stubBackend {
	return &stubBackend{
		conversations: map[string]*backend.Conversation{
			"conv_1": {ID: "conv_1", ThreadID: "th_1", Status: status, ContactSessionID: "cs_1"},
		},
		msgs: []backend.RawMessage{
			{ID: "m1", Role: backend.RoleAssistant, Content: content.Legacy("Hi! How can we help?")},
		},
		settings: &backend.WidgetSettings{DefaultSuggestions: backend.DefaultSuggestions{
			Suggestion1: "Pricing?",
			Suggestion2: "Reset my password",
		}},
	}
}

func (s *stubBackend) GetConversation(ctx context.Context, conversationID string, contactSessionID string) (*backend.Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.conversations[conversationID]
	if c == nil || c.ContactSessionID != contactSessionID {
		return nil, nil
	}
	out := *c
	return &out, nil
}

func (s *stubBackend) GetWidgetSettings(ctx context.Context, organizationID string) (*backend.WidgetSettings, error) {
	return s.settings, nil
}

func (s *stubBackend) ListMessages(ctx context.Context, req backend.ListMessagesRequest) (*backend.MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	offset := 0
	if req.Cursor != "" {
		offset, _ = strconv.Atoi(req.Cursor)
	}
	end := len(s.msgs) - offset
	if end < 0 {
		end = 0
	}
	start := end - req.PageSize
	if start < 0 {
		start = 0
	}
	page := []backend.RawMessage{}
	for i := end - 1; i >= start; i-- {
		page = append(page, s.msgs[i])
	}
	return &backend.MessagePage{Page: page, IsDone: start == 0, ContinueCursor: strconv.Itoa(offset + end - start)}, nil
}

func (s *stubBackend) GenerateUploadURL(ctx context.Context) (string, error) {
	return "https://upload.invalid/blob", nil
}

func (s *stubBackend) TransferBlob(ctx context.Context, uploadURL string, contentType string, body io.Reader) (string, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	if s.transfer != nil {
		return s.transfer(contentType, data)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("st_%d", len(data)), nil
}

func (s *stubBackend) UploadImage(ctx context.Context, storageID string) (string, error) {
	return storageID, nil
}

func (s *stubBackend) CreateMessage(ctx context.Context, req backend.CreateMessageRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.created = append(s.created, req)
	urls := make([]string, 0, len(req.ImageStorageIDs))
	for _, id := range req.ImageStorageIDs {
		urls = append(urls, "https://files.invalid/"+id)
	}
	s.msgs = append(s.msgs, backend.RawMessage{
		ID:      fmt.Sprintf("m%d", len(s.msgs)+1),
		Role:    backend.RoleUser,
		Content: content.Structured(req.Prompt, urls),
	})
	return nil
}

func (s *stubBackend) createdRequests() []backend.CreateMessageRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]backend.CreateMessageRequest(nil), s.created...)
}

func newTestGateway(t *testing.T, b *stubBackend) *Gateway {
	t.Helper()
	gw, err := New(Options{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{})),
		Backend:        b,
		OrganizationID: "org_1",
		AllowedOrigins: []string{"https://site.example"},
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return gw
}

type envelope struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type viewResp struct {
	Sent           bool                   `json:"sent"`
	Added          int                    `json:"added"`
	ConversationID string                 `json:"conversation_id"`
	Status         string                 `json:"status"`
	Pager          transcript.Status      `json:"pager"`
	Messages       []transcript.UIMessage `json:"messages"`
	Suggestions    []string               `json:"suggestions"`
	Input          struct {
		Disabled    bool   `json:"disabled"`
		Placeholder string `json:"placeholder"`
		CanSubmit   bool   `json:"can_submit"`
	} `json:"input"`
}

func do(t *testing.T, gw *Gateway, req *http.Request) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	rr := httptest.NewRecorder()
	gw.router.ServeHTTP(rr, req)
	var env envelope
	if strings.HasPrefix(rr.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rr.Body.Bytes(), &env); err != nil {
			t.Fatalf("unmarshal %q: %v", rr.Body.String(), err)
		}
	}
	return rr, env
}

func withSession(req *http.Request) *http.Request {
	req.Header.Set(headerContactSession, "cs_1")
	return req
}

func decodeView(t *testing.T, env envelope) viewResp {
	t.Helper()
	var v viewResp
	if err := json.Unmarshal(env.Data, &v); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	return v
}

var pngData = []byte("\x89PNG\r\n\x1a\n0000")

func TestGateway_Healthz(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	rr, env := do(t, gw, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rr.Code != http.StatusOK || !env.OK {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
}

func TestGateway_RequiresContactSession(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	rr, env := do(t, gw, httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/transcript", nil))
	if rr.Code != http.StatusUnauthorized || env.OK {
		t.Fatalf("status=%d env=%+v, want 401", rr.Code, env)
	}
}

func TestGateway_Transcript(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	rr, env := do(t, gw, withSession(httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/transcript", nil)))
	if rr.Code != http.StatusOK || !env.OK {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	v := decodeView(t, env)
	if v.ConversationID != "conv_1" || v.Status != backend.StatusUnresolved || v.Pager != transcript.StatusExhausted {
		t.Fatalf("view=%+v", v)
	}
	if len(v.Messages) != 1 || v.Messages[0].Text != "Hi! How can we help?" || v.Messages[0].Avatar == nil {
		t.Fatalf("messages=%+v", v.Messages)
	}
	if len(v.Suggestions) != 2 || v.Suggestions[0] != "Pricing?" {
		t.Fatalf("suggestions=%v", v.Suggestions)
	}
	if v.Input.Disabled || v.Input.Placeholder != "Type your message..." {
		t.Fatalf("input=%+v", v.Input)
	}
	if rr.Header().Get("Cache-Control") != "no-store" {
		t.Fatalf("Cache-Control=%q", rr.Header().Get("Cache-Control"))
	}
}

func TestGateway_UnknownConversation(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	rr, _ := do(t, gw, withSession(httptest.NewRequest(http.MethodGet, "/api/conversations/nope/transcript", nil)))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status=%d, want 404", rr.Code)
	}
	if n := gw.sessions.len(); n != 0 {
		t.Fatalf("sessions=%d, want failed open dropped", n)
	}
}

func TestGateway_SendJSONMessage(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	gw := newTestGateway(t, b)
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/messages", strings.NewReader(`{"message":"  where is my order?  "}`)))
	req.Header.Set("Content-Type", "application/json")

	rr, env := do(t, gw, req)
	if rr.Code != http.StatusOK || !env.OK {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	v := decodeView(t, env)
	if !v.Sent || len(v.Messages) != 2 || v.Messages[1].Role != backend.RoleUser {
		t.Fatalf("view=%+v", v)
	}
	if len(v.Suggestions) != 0 {
		t.Fatalf("suggestions=%v after the first reply, want none", v.Suggestions)
	}
	created := b.createdRequests()
	if len(created) != 1 || created[0].Prompt != "where is my order?" || created[0].ImageStorageIDs != nil {
		t.Fatalf("created=%+v", created)
	}
}

func TestGateway_SendBlankMessageIsNoop(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	gw := newTestGateway(t, b)
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/messages", strings.NewReader(`{"message":"   "}`)))
	rr, env := do(t, gw, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status=%d", rr.Code)
	}
	if v := decodeView(t, env); v.Sent {
		t.Fatalf("sent=true for blank message")
	}
	if len(b.createdRequests()) != 0 {
		t.Fatalf("createMessage called for blank message")
	}
}

func multipartRequest(t *testing.T, message string, files map[string][]byte, contentType string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("message", message); err != nil {
		t.Fatalf("WriteField: %v", err)
	}
	for name, data := range files {
		h := make(textproto.MIMEHeader)
		h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="images"; filename=%q`, name))
		h.Set("Content-Type", contentType)
		part, err := mw.CreatePart(h)
		if err != nil {
			t.Fatalf("CreatePart: %v", err)
		}
		_, _ = part.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	req := withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/messages", &body))
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestGateway_SendMultipartImages(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	gw := newTestGateway(t, b)
	req := multipartRequest(t, "see screenshots", map[string][]byte{
		"a.png": pngData,
		"b.png": append(append([]byte(nil), pngData...), 'x'),
	}, "image/png")

	rr, env := do(t, gw, req)
	if rr.Code != http.StatusOK || !env.OK {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	created := b.createdRequests()
	if len(created) != 1 || len(created[0].ImageStorageIDs) != 2 || created[0].Prompt != "see screenshots" {
		t.Fatalf("created=%+v", created)
	}
	v := decodeView(t, env)
	last := v.Messages[len(v.Messages)-1]
	if len(last.Images) != 2 || last.Grid == nil || last.Grid.Columns != 2 {
		t.Fatalf("last message=%+v", last)
	}
}

func TestGateway_SendRejectsNonImage(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	gw := newTestGateway(t, b)
	req := multipartRequest(t, "notes", map[string][]byte{"notes.txt": []byte("plain text")}, "text/plain")

	rr, env := do(t, gw, req)
	if rr.Code != http.StatusBadRequest || env.OK {
		t.Fatalf("status=%d env=%+v, want 400", rr.Code, env)
	}
	if len(b.createdRequests()) != 0 {
		t.Fatalf("createMessage called for rejected upload")
	}
}

func TestGateway_UploadFailureIsBadGateway(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	b.transfer = func(contentType string, data []byte) (string, error) {
		return "", errors.New("storage unavailable")
	}
	gw := newTestGateway(t, b)
	req := multipartRequest(t, "pic", map[string][]byte{"a.png": pngData}, "image/png")

	rr, env := do(t, gw, req)
	if rr.Code != http.StatusBadGateway || !strings.Contains(env.Error, string(upload.StageTransfer)) {
		t.Fatalf("status=%d env=%+v, want 502 transfer", rr.Code, env)
	}
	if len(b.createdRequests()) != 0 {
		t.Fatalf("createMessage called after failed transfer")
	}
}

func TestGateway_ResolvedConversation(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusResolved)
	gw := newTestGateway(t, b)

	rr, env := do(t, gw, withSession(httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/input", nil)))
	if rr.Code != http.StatusOK {
		t.Fatalf("input status=%d", rr.Code)
	}
	var in struct {
		Disabled    bool   `json:"disabled"`
		Placeholder string `json:"placeholder"`
	}
	if err := json.Unmarshal(env.Data, &in); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !in.Disabled || in.Placeholder != "This conversation has been resolved." {
		t.Fatalf("input=%+v", in)
	}

	req := withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/messages", strings.NewReader(`{"message":"hello?"}`)))
	if rr, _ := do(t, gw, req); rr.Code != http.StatusConflict {
		t.Fatalf("send status=%d, want 409", rr.Code)
	}
	if rr, _ := do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/suggestions/0", nil))); rr.Code != http.StatusConflict {
		t.Fatalf("suggestion status=%d, want 409", rr.Code)
	}
	if len(b.createdRequests()) != 0 {
		t.Fatalf("resolved conversation sent a message")
	}
}

func TestGateway_Suggestions(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	gw := newTestGateway(t, b)

	if rr, _ := do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/suggestions/x", nil))); rr.Code != http.StatusBadRequest {
		t.Fatalf("bad index status=%d, want 400", rr.Code)
	}
	if rr, _ := do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/suggestions/9", nil))); rr.Code != http.StatusNotFound {
		t.Fatalf("missing index status=%d, want 404", rr.Code)
	}

	rr, env := do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/suggestions/1", nil)))
	if rr.Code != http.StatusOK || !decodeView(t, env).Sent {
		t.Fatalf("status=%d env=%+v", rr.Code, env)
	}
	if created := b.createdRequests(); len(created) != 1 || created[0].Prompt != "Reset my password" {
		t.Fatalf("created=%+v", created)
	}
}

func TestGateway_LoadMoreAndRefresh(t *testing.T) {
	t.Parallel()

	b := newStubBackend(backend.StatusUnresolved)
	for i := 2; i <= 14; i++ {
		b.msgs = append(b.msgs, backend.RawMessage{ID: fmt.Sprintf("m%d", i), Role: backend.RoleUser, Content: content.Legacy("msg")})
	}
	gw := newTestGateway(t, b)

	_, env := do(t, gw, withSession(httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/transcript", nil)))
	if v := decodeView(t, env); len(v.Messages) != 10 || v.Pager != transcript.StatusCanLoadMore {
		t.Fatalf("first page len=%d pager=%s", len(v.Messages), v.Pager)
	}

	_, env = do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/transcript/more", nil)))
	v := decodeView(t, env)
	if v.Added != 4 || len(v.Messages) != 14 || v.Messages[0].ID != "m1" || v.Pager != transcript.StatusExhausted {
		t.Fatalf("after more added=%d len=%d pager=%s", v.Added, len(v.Messages), v.Pager)
	}

	b.mu.Lock()
	b.msgs = append(b.msgs, backend.RawMessage{ID: "m15", Role: backend.RoleAssistant, Content: content.Legacy("reply")})
	b.mu.Unlock()
	_, env = do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/refresh", nil)))
	v = decodeView(t, env)
	if v.Added != 1 || v.Messages[len(v.Messages)-1].ID != "m15" {
		t.Fatalf("after refresh added=%d last=%q", v.Added, v.Messages[len(v.Messages)-1].ID)
	}
}

func TestGateway_BackForgetsSession(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	do(t, gw, withSession(httptest.NewRequest(http.MethodGet, "/api/conversations/conv_1/transcript", nil)))
	if n := gw.sessions.len(); n != 1 {
		t.Fatalf("sessions=%d, want 1", n)
	}

	rr, env := do(t, gw, withSession(httptest.NewRequest(http.MethodPost, "/api/conversations/conv_1/back", nil)))
	if rr.Code != http.StatusOK || !strings.Contains(string(env.Data), `"screen":"selection"`) {
		t.Fatalf("status=%d data=%s", rr.Code, env.Data)
	}
	if n := gw.sessions.len(); n != 0 {
		t.Fatalf("sessions=%d after back, want 0", n)
	}
}

func TestGateway_PricingTable(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	rr, env := do(t, gw, httptest.NewRequest(http.MethodGet, "/api/billing/pricing-table", nil))
	if rr.Code != http.StatusOK || !strings.Contains(string(env.Data), `"for":"organization"`) || !strings.Contains(string(env.Data), "#0CA94C") {
		t.Fatalf("status=%d data=%s", rr.Code, env.Data)
	}

	rr, env = do(t, gw, httptest.NewRequest(http.MethodGet, "/api/billing", nil))
	if rr.Code != http.StatusOK || !strings.Contains(string(env.Data), "Choose the plan") {
		t.Fatalf("status=%d data=%s", rr.Code, env.Data)
	}
}

func TestGateway_CORSPreflight(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	req := httptest.NewRequest(http.MethodOptions, "/api/conversations/conv_1/messages", nil)
	req.Header.Set("Origin", "https://site.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", headerContactSession)

	rr, _ := do(t, gw, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "https://site.example" {
		t.Fatalf("Allow-Origin=%q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/conversations/conv_1/messages", nil)
	req.Header.Set("Origin", "https://evil.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	rr, _ = do(t, gw, req)
	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("Allow-Origin=%q for disallowed origin", got)
	}
}

func TestGateway_StartServesOverTCP(t *testing.T) {
	t.Parallel()

	gw := newTestGateway(t, newStubBackend(backend.StatusUnresolved))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := gw.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	resp, err := http.Get(gw.URL() + "/healthz")
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status=%d", resp.StatusCode)
	}
}

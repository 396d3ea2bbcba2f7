package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

// Function paths exposed by the backend's public module.
const (
	PathGetConversation   = "public/conversations:getOne"
	PathGetMessages       = "public/messages:getMany"
	PathCreateMessage     = "public/messages:create"
	PathGenerateUploadURL = "public/files:generateUploadUrl"
	PathUploadImage       = "public/files:uploadImage"
	PathGetWidgetSettings = "public/widgetSettings:getByOrganizationId"
)

const defaultTimeout = 30 * time.Second

// Error is a function-level failure reported by the backend (as opposed to a transport failure).
type Error struct {
	Path    string
	Message string
	Status  int
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Status > 0 {
		return fmt.Sprintf("backend %s: %s (http %d)", e.Path, e.Message, e.Status)
	}
	return fmt.Sprintf("backend %s: %s", e.Path, e.Message)
}

type Options struct {
	Logger *slog.Logger

	// BaseURL is the deployment URL, e.g. https://happy-otter-123.convex.cloud.
	BaseURL string

	// HTTPClient overrides the transport. Timeout is ignored when it is set.
	HTTPClient *http.Client
	Timeout    time.Duration
}

// Client calls the backend's HTTP query/action API and the blob upload endpoint.
type Client struct {
	log  *slog.Logger
	base *url.URL
	hc   *http.Client
}

func New(opts Options) (*Client, error) {
	raw := strings.TrimSpace(opts.BaseURL)
	if raw == "" {
		return nil, errors.New("missing BaseURL")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid BaseURL: %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid BaseURL scheme: %q", u.Scheme)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = defaultTimeout
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{log: logger, base: u, hc: hc}, nil
}

type callRequest struct {
	Path   string `json:"path"`
	Args   any    `json:"args"`
	Format string `json:"format"`
}

type callResponse struct {
	Status       string          `json:"status"`
	Value        json.RawMessage `json:"value"`
	ErrorMessage string          `json:"errorMessage"`
}

// Query runs a read-only function and decodes its value into out (out may be nil).
func (c *Client) Query(ctx context.Context, path string, args any, out any) error {
	return c.call(ctx, "/api/query", path, args, out)
}

// Action runs a side-effecting function and decodes its value into out (out may be nil).
func (c *Client) Action(ctx context.Context, path string, args any, out any) error {
	return c.call(ctx, "/api/action", path, args, out)
}

func (c *Client) call(ctx context.Context, endpoint string, path string, args any, out any) error {
	if c == nil || c.hc == nil {
		return errors.New("client not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	path = strings.TrimSpace(path)
	if path == "" {
		return errors.New("missing function path")
	}
	if args == nil {
		args = struct{}{}
	}

	body, err := json.Marshal(callRequest{Path: path, Args: args, Format: "json"})
	if err != nil {
		return fmt.Errorf("encode %s args: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath(endpoint).String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", path, err)
	}
	c.log.Debug("backend call", "endpoint", endpoint, "path", path, "status", resp.StatusCode, "duration_ms", time.Since(start).Milliseconds())

	var cr callResponse
	if err := json.Unmarshal(b, &cr); err != nil {
		if resp.StatusCode/100 != 2 {
			return &Error{Path: path, Message: strings.TrimSpace(string(b)), Status: resp.StatusCode}
		}
		return fmt.Errorf("%s: invalid response: %w", path, err)
	}
	if cr.Status != "success" {
		msg := strings.TrimSpace(cr.ErrorMessage)
		if msg == "" {
			msg = "unknown error"
		}
		status := 0
		if resp.StatusCode/100 != 2 {
			status = resp.StatusCode
		}
		return &Error{Path: path, Message: msg, Status: status}
	}
	if out == nil {
		return nil
	}
	if len(bytes.TrimSpace(cr.Value)) == 0 {
		cr.Value = json.RawMessage("null")
	}
	if err := json.Unmarshal(cr.Value, out); err != nil {
		return fmt.Errorf("%s: decode value: %w", path, err)
	}
	return nil
}

// GetConversation returns nil, nil when the conversation does not exist.
func (c *Client) GetConversation(ctx context.Context, conversationID string, contactSessionID string) (*Conversation, error) {
	conversationID = strings.TrimSpace(conversationID)
	contactSessionID = strings.TrimSpace(contactSessionID)
	if conversationID == "" || contactSessionID == "" {
		return nil, errors.New("invalid request")
	}
	var conv *Conversation
	err := c.Query(ctx, PathGetConversation, map[string]any{
		"conversationId":   conversationID,
		"contactSessionId": contactSessionID,
	}, &conv)
	if err != nil {
		return nil, err
	}
	return conv, nil
}

// ListMessages fetches one page of thread messages, newest first.
func (c *Client) ListMessages(ctx context.Context, req ListMessagesRequest) (*MessagePage, error) {
	threadID := strings.TrimSpace(req.ThreadID)
	contactSessionID := strings.TrimSpace(req.ContactSessionID)
	if threadID == "" || contactSessionID == "" {
		return nil, errors.New("invalid request")
	}
	size := req.PageSize
	if size <= 0 {
		size = 10
	}
	opts := PaginationOpts{NumItems: size}
	if cur := strings.TrimSpace(req.Cursor); cur != "" {
		opts.Cursor = &cur
	}

	var page MessagePage
	err := c.Query(ctx, PathGetMessages, map[string]any{
		"threadId":         threadID,
		"contactSessionId": contactSessionID,
		"paginationOpts":   opts,
	}, &page)
	if err != nil {
		return nil, err
	}
	if page.Page == nil {
		page.Page = []RawMessage{}
	}
	for _, m := range page.Page {
		if err := m.DecodeErr(); err != nil {
			c.log.Warn("unreadable message content, using flat text", "thread_id", threadID, "error", err)
		}
	}
	return &page, nil
}

func (c *Client) GenerateUploadURL(ctx context.Context) (string, error) {
	var out string
	if err := c.Action(ctx, PathGenerateUploadURL, nil, &out); err != nil {
		return "", err
	}
	out = strings.TrimSpace(out)
	if out == "" {
		return "", errors.New("empty upload url")
	}
	return out, nil
}

type storageRef struct {
	StorageID string `json:"storageId"`
}

// TransferBlob posts raw bytes to a short-lived upload URL and returns the storage id.
func (c *Client) TransferBlob(ctx context.Context, uploadURL string, contentType string, body io.Reader) (string, error) {
	if c == nil || c.hc == nil {
		return "", errors.New("client not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	uploadURL = strings.TrimSpace(uploadURL)
	if uploadURL == "" {
		return "", errors.New("missing upload url")
	}
	if body == nil {
		return "", errors.New("missing body")
	}
	contentType = strings.TrimSpace(contentType)
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, uploadURL, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload: %w", err)
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("upload: read response: %w", err)
	}
	if resp.StatusCode/100 != 2 {
		return "", fmt.Errorf("upload: http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	var ref storageRef
	if err := json.Unmarshal(b, &ref); err != nil {
		return "", fmt.Errorf("upload: invalid response: %w", err)
	}
	ref.StorageID = strings.TrimSpace(ref.StorageID)
	if ref.StorageID == "" {
		return "", errors.New("upload: missing storageId")
	}
	return ref.StorageID, nil
}

// UploadImage asks the backend to validate an uploaded blob and returns the accepted storage id.
func (c *Client) UploadImage(ctx context.Context, storageID string) (string, error) {
	storageID = strings.TrimSpace(storageID)
	if storageID == "" {
		return "", errors.New("missing storage id")
	}
	var ref storageRef
	if err := c.Action(ctx, PathUploadImage, storageRef{StorageID: storageID}, &ref); err != nil {
		return "", err
	}
	ref.StorageID = strings.TrimSpace(ref.StorageID)
	if ref.StorageID == "" {
		return "", errors.New("uploadImage: missing storageId")
	}
	return ref.StorageID, nil
}

func (c *Client) CreateMessage(ctx context.Context, req CreateMessageRequest) error {
	req.ThreadID = strings.TrimSpace(req.ThreadID)
	req.ContactSessionID = strings.TrimSpace(req.ContactSessionID)
	if req.ThreadID == "" || req.ContactSessionID == "" {
		return errors.New("invalid request")
	}
	if len(req.ImageStorageIDs) == 0 {
		req.ImageStorageIDs = nil
	}
	return c.Action(ctx, PathCreateMessage, req, nil)
}

// GetWidgetSettings returns nil, nil when the organization has no settings yet.
func (c *Client) GetWidgetSettings(ctx context.Context, organizationID string) (*WidgetSettings, error) {
	organizationID = strings.TrimSpace(organizationID)
	if organizationID == "" {
		return nil, errors.New("missing organization id")
	}
	var ws *WidgetSettings
	if err := c.Query(ctx, PathGetWidgetSettings, map[string]any{"organizationId": organizationID}, &ws); err != nil {
		return nil, err
	}
	return ws, nil
}

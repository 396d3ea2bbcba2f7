package backend

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/floegence/widgetchat/internal/content"
)

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"

	StatusUnresolved = "unresolved"
	StatusEscalated  = "escalated"
	StatusResolved   = "resolved"
)

// Conversation is the backend-owned conversation record. Read-only on the client.
type Conversation struct {
	ID               string `json:"_id"`
	ThreadID         string `json:"threadId"`
	Status           string `json:"status"`
	OrganizationID   string `json:"organizationId,omitempty"`
	ContactSessionID string `json:"contactSessionId,omitempty"`
}

func (c *Conversation) Resolved() bool {
	return c != nil && strings.TrimSpace(c.Status) == StatusResolved
}

// RawMessage is one thread message as returned by the paginated messages query.
//
// The message field is either {role, content} or, for records written before
// multimodal support, a bare string. UnmarshalJSON folds both into Role/Content.
type RawMessage struct {
	ID           string          `json:"_id"`
	CreationTime float64         `json:"_creationTime"`
	ThreadID     string          `json:"threadId,omitempty"`
	Role         string          `json:"-"`
	Content      content.Content `json:"-"`
	// Text is the flat text the backend keeps alongside the structured message.
	Text string `json:"text,omitempty"`

	// decodeErr is set when the message field could not be decoded; Content is
	// then KindEmpty and the record falls back to Text.
	decodeErr error
}

// DecodeErr reports why the message field was unreadable, or nil.
func (m RawMessage) DecodeErr() error { return m.decodeErr }

type rawMessageWire struct {
	ID           string          `json:"_id"`
	CreationTime float64         `json:"_creationTime"`
	ThreadID     string          `json:"threadId,omitempty"`
	Role         string          `json:"role,omitempty"`
	Message      json.RawMessage `json:"message,omitempty"`
	Text         string          `json:"text,omitempty"`
}

type messageBody struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

func (m *RawMessage) UnmarshalJSON(b []byte) error {
	var w rawMessageWire
	if err := json.Unmarshal(b, &w); err != nil {
		return err
	}
	out := RawMessage{
		ID:           strings.TrimSpace(w.ID),
		CreationTime: w.CreationTime,
		ThreadID:     strings.TrimSpace(w.ThreadID),
		Role:         w.Role,
		Text:         w.Text,
	}

	role, c, err := decodeMessageField(w.Message)
	if err != nil {
		out.Content = content.Content{Kind: content.KindEmpty}
		out.decodeErr = fmt.Errorf("message %s: %w", out.ID, err)
	} else {
		out.Content = c
		if role != "" {
			out.Role = role
		}
	}
	out.Role = NormalizeRole(out.Role)

	*m = out
	return nil
}

// decodeMessageField handles both the {role, content} body and the legacy bare string.
func decodeMessageField(raw json.RawMessage) (string, content.Content, error) {
	msg := bytes.TrimSpace(raw)
	switch {
	case len(msg) == 0 || bytes.Equal(msg, []byte("null")):
		return "", content.Content{Kind: content.KindEmpty}, nil
	case msg[0] == '"':
		c, err := content.Decode(msg)
		return "", c, err
	default:
		var body messageBody
		if err := json.Unmarshal(msg, &body); err != nil {
			return "", content.Content{}, err
		}
		c, err := content.Decode(body.Content)
		if err != nil {
			return "", content.Content{}, err
		}
		return strings.TrimSpace(body.Role), c, nil
	}
}

func (m RawMessage) MarshalJSON() ([]byte, error) {
	w := rawMessageWire{
		ID:           m.ID,
		CreationTime: m.CreationTime,
		ThreadID:     m.ThreadID,
		Text:         m.Text,
	}
	var err error
	if m.Content.Kind == content.KindLegacy {
		// Legacy records keep the role next to the bare string.
		w.Role = NormalizeRole(m.Role)
		w.Message, err = json.Marshal(m.Content)
	} else {
		w.Message, err = json.Marshal(struct {
			Role    string          `json:"role"`
			Content content.Content `json:"content"`
		}{Role: NormalizeRole(m.Role), Content: m.Content})
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

// NormalizeRole maps anything that is not a user turn to the assistant side.
func NormalizeRole(role string) string {
	if strings.TrimSpace(role) == RoleUser {
		return RoleUser
	}
	return RoleAssistant
}

// MessagePage is one page of the paginated messages query, newest first.
type MessagePage struct {
	Page           []RawMessage `json:"page"`
	IsDone         bool         `json:"isDone"`
	ContinueCursor string       `json:"continueCursor"`
}

type PaginationOpts struct {
	NumItems int     `json:"numItems"`
	Cursor   *string `json:"cursor"`
}

type ListMessagesRequest struct {
	ThreadID         string
	ContactSessionID string
	PageSize         int
	// Cursor is empty for the newest page.
	Cursor string
}

type CreateMessageRequest struct {
	ThreadID         string   `json:"threadId"`
	Prompt           string   `json:"prompt"`
	ContactSessionID string   `json:"contactSessionId"`
	ImageStorageIDs  []string `json:"imageStorageIds,omitempty"`
}

type DefaultSuggestions struct {
	Suggestion1 string `json:"suggestion1,omitempty"`
	Suggestion2 string `json:"suggestion2,omitempty"`
	Suggestion3 string `json:"suggestion3,omitempty"`
}

// Ordered returns the suggestion slots in display order, including empty ones.
func (d DefaultSuggestions) Ordered() []string {
	return []string{d.Suggestion1, d.Suggestion2, d.Suggestion3}
}

type WidgetSettings struct {
	OrganizationID     string             `json:"organizationId,omitempty"`
	GreetMessage       string             `json:"greetMessage,omitempty"`
	DefaultSuggestions DefaultSuggestions `json:"defaultSuggestions"`
}

package transcript

import (
	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/content"
)

// Avatar is rendered next to assistant turns.
type Avatar struct {
	ImageURL string `json:"image_url"`
	Seed     string `json:"seed"`
	Size     int    `json:"size"`
}

var assistantAvatar = Avatar{ImageURL: "/logo.png", Seed: "assistant", Size: 32}

// UIMessage is the display projection of one RawMessage.
type UIMessage struct {
	ID     string        `json:"id"`
	Role   string        `json:"role"`
	Text   string        `json:"text"`
	Images []string      `json:"images"`
	Grid   *content.Grid `json:"grid,omitempty"`
	Avatar *Avatar       `json:"avatar,omitempty"`
}

// Compose projects a page of raw messages (oldest first) into UI messages, one per record, same order.
func Compose(page []backend.RawMessage) []UIMessage {
	out := make([]UIMessage, 0, len(page))
	for _, raw := range page {
		out = append(out, composeOne(raw))
	}
	return out
}

func composeOne(raw backend.RawMessage) UIMessage {
	c := raw.Content
	if c.Kind == content.KindEmpty && raw.Text != "" {
		// Records with no message body still carry the flat text.
		c = content.Legacy(raw.Text)
	}
	parsed := content.Parse(c)

	m := UIMessage{
		ID:     raw.ID,
		Role:   backend.NormalizeRole(raw.Role),
		Text:   parsed.Text,
		Images: parsed.Images,
	}
	if g, ok := content.Layout(len(parsed.Images)); ok {
		m.Grid = &g
	}
	if m.Role == backend.RoleAssistant {
		a := assistantAvatar
		m.Avatar = &a
	}
	return m
}

// ShowSuggestions reports whether the canned suggestion chips are shown: only
// while the transcript holds exactly one message (the greeting).
func ShowSuggestions(msgs []UIMessage) bool {
	return len(msgs) == 1
}

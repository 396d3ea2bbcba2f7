package content

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind tags which record shape a Content value was decoded from.
type Kind int

const (
	// KindEmpty is a missing or null content field.
	KindEmpty Kind = iota
	// KindLegacy is the older record shape where content is a bare string.
	KindLegacy
	// KindStructured is text plus an explicit list of image URLs.
	KindStructured
)

func (k Kind) String() string {
	switch k {
	case KindLegacy:
		return "legacy"
	case KindStructured:
		return "structured"
	default:
		return "empty"
	}
}

// Content is the normalized message content union.
//
// Exactly one of the shapes is meaningful, selected by Kind:
// - KindLegacy: Legacy holds the bare string.
// - KindStructured: Text and Images hold the structured fields.
type Content struct {
	Kind   Kind
	Legacy string
	Text   string
	Images []string
}

// Parsed is the render projection of a message body.
type Parsed struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

func Legacy(s string) Content {
	return Content{Kind: KindLegacy, Legacy: s}
}

func Structured(text string, images []string) Content {
	return Content{Kind: KindStructured, Text: text, Images: images}
}

type structuredBody struct {
	Text   string   `json:"text"`
	Images []string `json:"images"`
}

// structuredWire tolerates odd entries in images; only strings are kept.
type structuredWire struct {
	Text   string            `json:"text"`
	Images []json.RawMessage `json:"images"`
}

type part struct {
	Type  string          `json:"type"`
	Text  string          `json:"text"`
	Image json.RawMessage `json:"image"`
	URL   string          `json:"url"`
}

// Decode normalizes a raw content field into a Content value.
//
// Accepted shapes:
//   - null or absent: KindEmpty
//   - "string": KindLegacy
//   - {"text": "...", "images": ["url", ...]}: KindStructured
//   - [{"type":"text","text":"..."}, {"type":"image","image":"url"}, ...]: KindStructured
func Decode(raw json.RawMessage) (Content, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Content{Kind: KindEmpty}, nil
	}

	switch raw[0] {
	case '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return Content{}, fmt.Errorf("decode legacy content: %w", err)
		}
		return Legacy(s), nil

	case '{':
		var body structuredWire
		if err := json.Unmarshal(raw, &body); err != nil {
			return Content{}, fmt.Errorf("decode structured content: %w", err)
		}
		return Structured(body.Text, stringEntries(body.Images)), nil

	case '[':
		var parts []part
		if err := json.Unmarshal(raw, &parts); err != nil {
			return Content{}, fmt.Errorf("decode content parts: %w", err)
		}
		return fromParts(parts), nil

	default:
		return Content{}, errors.New("unsupported content shape")
	}
}

func stringEntries(raw []json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		var s string
		if err := json.Unmarshal(r, &s); err != nil || s == "" {
			continue
		}
		out = append(out, s)
	}
	return out
}

func fromParts(parts []part) Content {
	texts := make([]string, 0, len(parts))
	var images []string
	for _, p := range parts {
		switch strings.TrimSpace(p.Type) {
		case "text":
			if p.Text != "" {
				texts = append(texts, p.Text)
			}
		case "image":
			if u := partImageURL(p); u != "" {
				images = append(images, u)
			}
		}
	}
	return Structured(strings.Join(texts, "\n"), images)
}

// partImageURL only accepts a string-valued image (binary payloads are not URLs).
func partImageURL(p part) string {
	raw := bytes.TrimSpace(p.Image)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return strings.TrimSpace(s)
		}
	}
	return strings.TrimSpace(p.URL)
}

// Parse splits content into text and images. It never invents images: every
// entry of Parsed.Images comes from c.Images.
func Parse(c Content) Parsed {
	switch c.Kind {
	case KindLegacy:
		return Parsed{Text: c.Legacy, Images: []string{}}
	case KindStructured:
		images := make([]string, 0, len(c.Images))
		for _, u := range c.Images {
			u = strings.TrimSpace(u)
			if u == "" {
				continue
			}
			images = append(images, u)
		}
		return Parsed{Text: c.Text, Images: images}
	default:
		return Parsed{Images: []string{}}
	}
}

// MarshalJSON writes the content back in the shape it was decoded from.
func (c Content) MarshalJSON() ([]byte, error) {
	switch c.Kind {
	case KindLegacy:
		return json.Marshal(c.Legacy)
	case KindStructured:
		images := c.Images
		if images == nil {
			images = []string{}
		}
		return json.Marshal(structuredBody{Text: c.Text, Images: images})
	default:
		return []byte("null"), nil
	}
}

func (c *Content) UnmarshalJSON(b []byte) error {
	out, err := Decode(b)
	if err != nil {
		return err
	}
	*c = out
	return nil
}

package widget

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/floegence/widgetchat/internal/auditlog"
	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/sessionstore"
	"github.com/floegence/widgetchat/internal/transcript"
	"github.com/floegence/widgetchat/internal/upload"
)

const (
	PlaceholderResolved = "This conversation has been resolved."
	PlaceholderDefault  = "Type your message..."
)

var (
	ErrNoConversation       = errors.New("no conversation selected")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationResolved = errors.New("conversation is resolved")
	ErrSuggestionNotFound   = errors.New("suggestion not found")
)

// Backend is everything a chat session reads from or writes to the backend service.
type Backend interface {
	transcript.Lister
	upload.Backend
	GetConversation(ctx context.Context, conversationID string, contactSessionID string) (*backend.Conversation, error)
	GetWidgetSettings(ctx context.Context, organizationID string) (*backend.WidgetSettings, error)
}

// StateSaver persists navigation state between runs. Optional.
type StateSaver interface {
	PutWidgetState(ctx context.Context, st sessionstore.WidgetState) error
}

// ActivityRecorder receives one entry per user-visible action. Optional.
type ActivityRecorder interface {
	Append(e auditlog.Entry)
}

type Options struct {
	Logger   *slog.Logger
	Backend  Backend
	State    StateSaver
	Activity ActivityRecorder

	OrganizationID   string
	ConversationID   string
	ContactSessionID string

	// Settings is fetched on Open when nil and OrganizationID is set.
	Settings *backend.WidgetSettings

	Draft           upload.DraftOptions
	InitialNumItems int
	LoadSize        int
}

// InputState describes the composer controls.
type InputState struct {
	Disabled     bool   `json:"disabled"`
	Placeholder  string `json:"placeholder"`
	CanAddImages bool   `json:"can_add_images"`
	CanSubmit    bool   `json:"can_submit"`
	Submitting   bool   `json:"submitting"`

	Text   string         `json:"text"`
	Images []upload.Image `json:"images"`
}

// Session is the chat screen state of one contact session.
type Session struct {
	log      *slog.Logger
	backend  Backend
	state    StateSaver
	activity ActivityRecorder
	seq      *upload.Sequencer
	draft    *upload.Draft

	organizationID   string
	contactSessionID string
	initial          int
	loadSize         int

	// submitMu serializes submissions; mu guards everything below.
	submitMu sync.Mutex
	mu       sync.Mutex

	conversationID string
	screen         string
	conversation   *backend.Conversation
	settings       *backend.WidgetSettings
	pager          *transcript.Pager
	submitting     bool
}

func New(opts Options) (*Session, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	seq, err := upload.NewSequencer(opts.Backend, logger)
	if err != nil {
		return nil, err
	}

	conversationID := strings.TrimSpace(opts.ConversationID)
	screen := sessionstore.ScreenSelection
	if conversationID != "" {
		screen = sessionstore.ScreenChat
	}
	return &Session{
		log:              logger,
		backend:          opts.Backend,
		state:            opts.State,
		activity:         opts.Activity,
		seq:              seq,
		draft:            upload.NewDraft(opts.Draft),
		organizationID:   strings.TrimSpace(opts.OrganizationID),
		contactSessionID: strings.TrimSpace(opts.ContactSessionID),
		initial:          opts.InitialNumItems,
		loadSize:         opts.LoadSize,
		conversationID:   conversationID,
		screen:           screen,
		settings:         opts.Settings,
	}, nil
}

// Open loads the conversation and its newest page of messages.
func (s *Session) Open(ctx context.Context) error {
	if s == nil {
		return errors.New("nil session")
	}
	s.mu.Lock()
	conversationID := s.conversationID
	contactSessionID := s.contactSessionID
	needSettings := s.settings == nil && s.organizationID != ""
	s.mu.Unlock()
	if conversationID == "" || contactSessionID == "" {
		return ErrNoConversation
	}

	conv, err := s.backend.GetConversation(ctx, conversationID, contactSessionID)
	if err != nil {
		return fmt.Errorf("get conversation: %w", err)
	}
	if conv == nil {
		return ErrConversationNotFound
	}

	pager, err := transcript.NewPager(transcript.PagerOptions{
		Lister:           s.backend,
		ThreadID:         conv.ThreadID,
		ContactSessionID: contactSessionID,
		InitialNumItems:  s.initial,
		LoadSize:         s.loadSize,
	})
	if err != nil {
		return err
	}
	if err := pager.Load(ctx); err != nil {
		return fmt.Errorf("load messages: %w", err)
	}

	var settings *backend.WidgetSettings
	if needSettings {
		settings, err = s.backend.GetWidgetSettings(ctx, s.organizationID)
		if err != nil {
			// Suggestions are optional; the chat still works without them.
			s.log.Warn("widget settings unavailable", "organization_id", s.organizationID, "error", err)
		}
	}

	s.mu.Lock()
	if s.conversationID != conversationID {
		// Back (or another Open) won the race.
		s.mu.Unlock()
		return ErrNoConversation
	}
	s.conversation = conv
	s.pager = pager
	s.screen = sessionstore.ScreenChat
	if settings != nil {
		s.settings = settings
	}
	s.mu.Unlock()

	s.saveState(ctx, conversationID, sessionstore.ScreenChat)
	s.record(auditlog.Entry{Action: auditlog.ActionConversationOpened, ConversationID: conversationID, ThreadID: conv.ThreadID})
	s.log.Debug("conversation opened", "conversation_id", conversationID, "status", conv.Status)
	return nil
}

func (s *Session) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

func (s *Session) Screen() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Conversation returns a copy of the loaded conversation, or nil before Open.
func (s *Session) Conversation() *backend.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conversation == nil {
		return nil
	}
	c := *s.conversation
	return &c
}

func (s *Session) resolvedLocked() bool {
	return s.conversation != nil && s.conversation.Resolved()
}

func (s *Session) currentPager() *transcript.Pager {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pager
}

// Transcript returns the composed view of the loaded messages, oldest first.
func (s *Session) Transcript() []transcript.UIMessage {
	p := s.currentPager()
	if p == nil {
		return []transcript.UIMessage{}
	}
	return transcript.Compose(p.Messages())
}

// PagerStatus reports the history pager state; LoadingFirstPage before Open.
func (s *Session) PagerStatus() transcript.Status {
	p := s.currentPager()
	if p == nil {
		return transcript.StatusLoadingFirstPage
	}
	return p.Status()
}

func (s *Session) LoadMore(ctx context.Context) (int, error) {
	p := s.currentPager()
	if p == nil {
		return 0, ErrNoConversation
	}
	return p.LoadMore(ctx)
}

// Refresh re-reads the conversation status and appends new messages.
func (s *Session) Refresh(ctx context.Context) (int, error) {
	s.mu.Lock()
	p := s.pager
	conversationID := s.conversationID
	contactSessionID := s.contactSessionID
	s.mu.Unlock()
	if p == nil {
		return 0, ErrNoConversation
	}

	conv, err := s.backend.GetConversation(ctx, conversationID, contactSessionID)
	if err != nil {
		return 0, fmt.Errorf("get conversation: %w", err)
	}
	if conv != nil {
		s.mu.Lock()
		if s.conversationID == conversationID {
			s.conversation = conv
		}
		s.mu.Unlock()
	}
	return p.Refresh(ctx)
}

// Suggestions returns the configured suggestions in order, empty slots skipped.
func (s *Session) Suggestions() []string {
	s.mu.Lock()
	settings := s.settings
	s.mu.Unlock()
	out := []string{}
	if settings == nil {
		return out
	}
	for _, v := range settings.DefaultSuggestions.Ordered() {
		if strings.TrimSpace(v) != "" {
			out = append(out, v)
		}
	}
	return out
}

// VisibleSuggestions returns the suggestion chips currently on screen.
func (s *Session) VisibleSuggestions() []string {
	s.mu.Lock()
	open := s.conversation != nil && !s.resolvedLocked()
	s.mu.Unlock()
	if !open || !transcript.ShowSuggestions(s.Transcript()) {
		return []string{}
	}
	return s.Suggestions()
}

func (s *Session) Input() InputState {
	s.mu.Lock()
	resolved := s.resolvedLocked()
	open := s.conversation != nil
	submitting := s.submitting
	s.mu.Unlock()

	st := InputState{
		Placeholder: PlaceholderDefault,
		Submitting:  submitting,
		Text:        s.draft.Text(),
		Images:      s.draft.Images(),
	}
	if resolved {
		st.Placeholder = PlaceholderResolved
	}
	st.Disabled = !open || resolved
	st.CanAddImages = !st.Disabled && !submitting && s.draft.CanAddMore()
	st.CanSubmit = !st.Disabled && !submitting && (strings.TrimSpace(st.Text) != "" || len(st.Images) > 0)
	return st
}

func (s *Session) SetText(text string) { s.draft.SetText(text) }

func (s *Session) AddImages(files ...upload.File) ([]upload.Image, error) {
	s.mu.Lock()
	resolved := s.resolvedLocked()
	s.mu.Unlock()
	if resolved {
		return nil, ErrConversationResolved
	}
	return s.draft.AddImages(files...)
}

func (s *Session) RemoveImage(idx int) error { return s.draft.RemoveImage(idx) }

func (s *Session) ClearImages() { s.draft.ClearImages() }

// Submit sends text plus the draft's images as one message.
//
// It is a no-op without an open conversation or contact session, and when
// there is nothing to send. The draft is kept when any step fails.
func (s *Session) Submit(ctx context.Context, text string) (bool, error) {
	if s == nil {
		return false, errors.New("nil session")
	}
	s.submitMu.Lock()
	defer s.submitMu.Unlock()

	s.mu.Lock()
	conv := s.conversation
	contactSessionID := s.contactSessionID
	resolved := s.resolvedLocked()
	pager := s.pager
	s.mu.Unlock()
	if conv == nil || contactSessionID == "" {
		return false, nil
	}
	if resolved {
		return false, ErrConversationResolved
	}

	s.draft.SetText(text)
	images := s.draft.Len()
	start := time.Now()
	s.setSubmitting(true)
	sent, err := s.seq.Submit(ctx, upload.Target{ThreadID: conv.ThreadID, ContactSessionID: contactSessionID}, s.draft)
	s.setSubmitting(false)
	entry := auditlog.Entry{
		Action:         auditlog.ActionMessageSent,
		ConversationID: conv.ID,
		ThreadID:       conv.ThreadID,
		Images:         images,
		DurationMs:     time.Since(start).Milliseconds(),
	}
	if err != nil {
		s.log.Error("send message failed", "conversation_id", conv.ID, "error", err)
		entry.Action = auditlog.ActionMessageFailed
		entry.Error = err.Error()
		var se *upload.StageError
		if errors.As(err, &se) {
			entry.Stage = string(se.Stage)
		}
		s.record(entry)
		return false, fmt.Errorf("send message: %w", err)
	}
	if !sent {
		return false, nil
	}
	s.record(entry)

	if pager != nil {
		if _, err := pager.Refresh(ctx); err != nil {
			s.log.Warn("refresh after send failed", "conversation_id", conv.ID, "error", err)
		}
	}
	return true, nil
}

// SubmitSuggestion sends the i-th suggestion returned by Suggestions.
func (s *Session) SubmitSuggestion(ctx context.Context, i int) (bool, error) {
	s.mu.Lock()
	resolved := s.resolvedLocked()
	s.mu.Unlock()
	if resolved {
		return false, ErrConversationResolved
	}
	suggestions := s.Suggestions()
	if i < 0 || i >= len(suggestions) {
		return false, ErrSuggestionNotFound
	}
	return s.Submit(ctx, suggestions[i])
}

// Back leaves the chat screen and returns to conversation selection.
func (s *Session) Back(ctx context.Context) {
	s.mu.Lock()
	left := s.conversationID
	s.conversationID = ""
	s.conversation = nil
	s.pager = nil
	s.screen = sessionstore.ScreenSelection
	s.mu.Unlock()
	s.draft.Reset()
	s.saveState(ctx, "", sessionstore.ScreenSelection)
	s.record(auditlog.Entry{Action: auditlog.ActionBack, ConversationID: left})
}

// Select switches to another conversation; call Open afterwards.
func (s *Session) Select(conversationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversationID = strings.TrimSpace(conversationID)
	s.conversation = nil
	s.pager = nil
	if s.conversationID == "" {
		s.screen = sessionstore.ScreenSelection
	} else {
		s.screen = sessionstore.ScreenChat
	}
}

func (s *Session) setSubmitting(v bool) {
	s.mu.Lock()
	s.submitting = v
	s.mu.Unlock()
}

func (s *Session) record(e auditlog.Entry) {
	if s.activity == nil {
		return
	}
	if e.OrganizationID == "" {
		e.OrganizationID = s.organizationID
	}
	s.activity.Append(e)
}

func (s *Session) saveState(ctx context.Context, conversationID string, screen string) {
	if s.state == nil || s.organizationID == "" {
		return
	}
	err := s.state.PutWidgetState(ctx, sessionstore.WidgetState{
		OrganizationID: s.organizationID,
		ConversationID: conversationID,
		Screen:         screen,
	})
	if err != nil {
		s.log.Warn("save widget state failed", "organization_id", s.organizationID, "error", err)
	}
}

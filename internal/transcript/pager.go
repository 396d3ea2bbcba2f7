package transcript

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/floegence/widgetchat/internal/backend"
)

type Status string

const (
	StatusLoadingFirstPage Status = "LoadingFirstPage"
	StatusCanLoadMore      Status = "CanLoadMore"
	StatusLoadingMore      Status = "LoadingMore"
	StatusExhausted        Status = "Exhausted"
)

const (
	defaultInitialNumItems = 10
	defaultLoadSize        = 10

	// refreshMaxPages bounds how far back Refresh walks to reconnect with loaded history.
	refreshMaxPages = 20
)

var ErrNotLoaded = errors.New("first page not loaded")

type Lister interface {
	ListMessages(ctx context.Context, req backend.ListMessagesRequest) (*backend.MessagePage, error)
}

type PagerOptions struct {
	Lister           Lister
	ThreadID         string
	ContactSessionID string

	InitialNumItems int
	LoadSize        int
}

// Pager keeps the loaded window of a thread's history in ascending order.
//
// Older pages are prepended, newer messages are appended, and a message id is
// never held twice.
type Pager struct {
	lister           Lister
	threadID         string
	contactSessionID string
	initial          int
	loadSize         int

	// opMu serializes fetches; mu guards the loaded state.
	opMu sync.Mutex
	mu   sync.Mutex

	messages []backend.RawMessage
	seen     map[string]struct{}
	cursor   string
	status   Status
	loaded   bool
}

func NewPager(opts PagerOptions) (*Pager, error) {
	if opts.Lister == nil {
		return nil, errors.New("missing Lister")
	}
	threadID := strings.TrimSpace(opts.ThreadID)
	contactSessionID := strings.TrimSpace(opts.ContactSessionID)
	if threadID == "" || contactSessionID == "" {
		return nil, errors.New("missing thread or contact session")
	}
	initial := opts.InitialNumItems
	if initial <= 0 {
		initial = defaultInitialNumItems
	}
	loadSize := opts.LoadSize
	if loadSize <= 0 {
		loadSize = defaultLoadSize
	}
	return &Pager{
		lister:           opts.Lister,
		threadID:         threadID,
		contactSessionID: contactSessionID,
		initial:          initial,
		loadSize:         loadSize,
		seen:             make(map[string]struct{}),
		status:           StatusLoadingFirstPage,
	}, nil
}

func (p *Pager) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// Messages returns a copy of the loaded window, oldest first.
func (p *Pager) Messages() []backend.RawMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]backend.RawMessage, len(p.messages))
	copy(out, p.messages)
	return out
}

func (p *Pager) fetch(ctx context.Context, size int, cursor string) (*backend.MessagePage, error) {
	page, err := p.lister.ListMessages(ctx, backend.ListMessagesRequest{
		ThreadID:         p.threadID,
		ContactSessionID: p.contactSessionID,
		PageSize:         size,
		Cursor:           cursor,
	})
	if err != nil {
		return nil, err
	}
	if page == nil {
		return &backend.MessagePage{IsDone: true}, nil
	}
	return page, nil
}

// Load (re)reads the newest page and replaces the loaded window.
func (p *Pager) Load(ctx context.Context) error {
	p.opMu.Lock()
	defer p.opMu.Unlock()
	return p.loadFirst(ctx)
}

func (p *Pager) loadFirst(ctx context.Context) error {
	p.mu.Lock()
	p.status = StatusLoadingFirstPage
	p.mu.Unlock()

	page, err := p.fetch(ctx, p.initial, "")
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = p.messages[:0]
	p.seen = make(map[string]struct{})
	for _, m := range ascending(page.Page) {
		if p.markSeenLocked(m.ID) {
			p.messages = append(p.messages, m)
		}
	}
	p.cursor = page.ContinueCursor
	p.status = statusAfter(page)
	p.loaded = true
	return nil
}

// LoadMore prepends the next older page and returns how many messages were added.
// It is a no-op unless the pager is in StatusCanLoadMore.
func (p *Pager) LoadMore(ctx context.Context) (int, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	if !p.loaded {
		p.mu.Unlock()
		return 0, ErrNotLoaded
	}
	if p.status != StatusCanLoadMore {
		p.mu.Unlock()
		return 0, nil
	}
	cursor := p.cursor
	p.status = StatusLoadingMore
	p.mu.Unlock()

	page, err := p.fetch(ctx, p.loadSize, cursor)
	if err != nil {
		p.mu.Lock()
		p.status = StatusCanLoadMore
		p.mu.Unlock()
		return 0, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	older := make([]backend.RawMessage, 0, len(page.Page))
	for _, m := range ascending(page.Page) {
		if p.markSeenLocked(m.ID) {
			older = append(older, m)
		}
	}
	p.messages = append(older, p.messages...)
	p.cursor = page.ContinueCursor
	p.status = statusAfter(page)
	return len(older), nil
}

// Refresh appends messages newer than the loaded window and returns how many were added.
//
// It walks back from the newest page until it reaches an already loaded message
// so a burst of new messages larger than one page leaves no gap.
func (p *Pager) Refresh(ctx context.Context) (int, error) {
	p.opMu.Lock()
	defer p.opMu.Unlock()

	p.mu.Lock()
	loaded := p.loaded
	before := len(p.messages)
	p.mu.Unlock()
	if !loaded {
		return 0, ErrNotLoaded
	}
	if before == 0 {
		// Nothing to reconnect with: a fresh first page also restores the cursor.
		if err := p.loadFirst(ctx); err != nil {
			return 0, err
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		return len(p.messages), nil
	}

	// Newest first, across pages.
	var fresh []backend.RawMessage
	cursor := ""
	for i := 0; i < refreshMaxPages; i++ {
		page, err := p.fetch(ctx, p.initial, cursor)
		if err != nil {
			return 0, err
		}
		reached := false
		p.mu.Lock()
		for _, m := range page.Page {
			if strings.TrimSpace(m.ID) == "" {
				// Cannot tell new from already loaded; the next Load picks it up.
				continue
			}
			if _, ok := p.seen[m.ID]; ok {
				reached = true
				break
			}
			fresh = append(fresh, m)
		}
		p.mu.Unlock()
		if reached || page.IsDone || strings.TrimSpace(page.ContinueCursor) == "" {
			break
		}
		cursor = page.ContinueCursor
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, m := range ascending(fresh) {
		if p.markSeenLocked(m.ID) {
			p.messages = append(p.messages, m)
			n++
		}
	}
	return n, nil
}

// markSeenLocked reports whether a record should be kept. Records without an
// id are always kept.
func (p *Pager) markSeenLocked(id string) bool {
	if strings.TrimSpace(id) == "" {
		return true
	}
	if _, ok := p.seen[id]; ok {
		return false
	}
	p.seen[id] = struct{}{}
	return true
}

func statusAfter(page *backend.MessagePage) Status {
	if page.IsDone || strings.TrimSpace(page.ContinueCursor) == "" {
		return StatusExhausted
	}
	return StatusCanLoadMore
}

// ascending reverses a newest-first page.
func ascending(page []backend.RawMessage) []backend.RawMessage {
	out := make([]backend.RawMessage, 0, len(page))
	for i := len(page) - 1; i >= 0; i-- {
		out = append(out, page[i])
	}
	return out
}

package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/upload"
	"github.com/floegence/widgetchat/internal/widget"
)

const headerContactSession = "X-Contact-Session-Id"

type Options struct {
	Logger         *slog.Logger
	ListenAddr     string
	AllowedOrigins []string

	Backend        widget.Backend
	State          widget.StateSaver
	Activity       widget.ActivityRecorder
	OrganizationID string
	// Settings skips the per-session widget settings fetch when set.
	Settings *backend.WidgetSettings

	Draft           upload.DraftOptions
	InitialNumItems int
	LoadSize        int
}

// Gateway exposes chat sessions over HTTP for an embedded widget frontend.
type Gateway struct {
	log      *slog.Logger
	sessions *registry
	maxBody  int64
	router   chi.Router

	ln   net.Listener
	srv  *http.Server
	addr string
}

func New(opts Options) (*Gateway, error) {
	if opts.Backend == nil {
		return nil, errors.New("missing Backend")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	addr := strings.TrimSpace(opts.ListenAddr)
	if addr == "" {
		addr = "127.0.0.1:0"
	}

	maxImages := opts.Draft.MaxImages
	if maxImages <= 0 {
		maxImages = upload.DefaultMaxImages
	}
	maxBytes := opts.Draft.MaxImageBytes
	if maxBytes <= 0 {
		maxBytes = upload.DefaultMaxImageBytes
	}

	g := &Gateway{
		log:     logger,
		maxBody: int64(maxImages)*maxBytes + 1<<20,
		addr:    addr,
	}
	g.sessions = newRegistry(func(contactSessionID string, conversationID string) (*widget.Session, error) {
		return widget.New(widget.Options{
			Logger:           logger.With("conversation_id", conversationID),
			Backend:          opts.Backend,
			State:            opts.State,
			Activity:         opts.Activity,
			OrganizationID:   opts.OrganizationID,
			ConversationID:   conversationID,
			ContactSessionID: contactSessionID,
			Settings:         opts.Settings,
			Draft:            opts.Draft,
			InitialNumItems:  opts.InitialNumItems,
			LoadSize:         opts.LoadSize,
		})
	})
	g.router = g.routes(opts.AllowedOrigins)
	return g, nil
}

func (g *Gateway) routes(allowedOrigins []string) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)

	origins := allowedOrigins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*", "http://127.0.0.1:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", headerContactSession},
		MaxAge:         300,
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, apiResp{OK: true, Data: map[string]any{"sessions": g.sessions.len()}})
	})

	r.Route("/api/conversations/{conversationID}", func(r chi.Router) {
		r.Use(requireContactSession)
		r.Get("/transcript", g.handleTranscript)
		r.Post("/transcript/more", g.handleLoadMore)
		r.Post("/refresh", g.handleRefresh)
		r.Get("/input", g.handleInput)
		r.Post("/messages", g.handleSendMessage)
		r.Post("/suggestions/{index}", g.handleSuggestion)
		r.Post("/back", g.handleBack)
	})

	r.Get("/api/billing", g.handleBillingView)
	r.Get("/api/billing/pricing-table", g.handlePricingTable)
	return r
}

func (g *Gateway) Start(ctx context.Context) error {
	if g == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if g.ln != nil {
		return nil
	}

	ln, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	g.ln = ln

	g.srv = &http.Server{
		Handler:           g.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		_ = g.Close()
	}()

	go func() {
		if err := g.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			g.log.Warn("widget gateway stopped", "error", err)
		}
	}()

	g.log.Info("widget gateway listening", "addr", g.ln.Addr().String())
	return nil
}

func (g *Gateway) Close() error {
	if g == nil {
		return nil
	}
	if g.srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.srv.Shutdown(ctx)
	}
	if g.ln != nil {
		_ = g.ln.Close()
	}
	g.ln = nil
	return nil
}

func (g *Gateway) URL() string {
	if g == nil || g.ln == nil {
		return ""
	}
	return "http://" + g.ln.Addr().String()
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		g.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func requireContactSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.TrimSpace(r.Header.Get(headerContactSession)) == "" {
			writeJSON(w, http.StatusUnauthorized, apiResp{OK: false, Error: "missing contact session"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

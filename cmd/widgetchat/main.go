package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/floegence/widgetchat/internal/auditlog"
	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/config"
	"github.com/floegence/widgetchat/internal/gateway"
	"github.com/floegence/widgetchat/internal/lockfile"
	"github.com/floegence/widgetchat/internal/sessionstore"
	"github.com/floegence/widgetchat/internal/upload"
	"github.com/floegence/widgetchat/internal/widget"
)

var (
	// Version is set via -ldflags at build time.
	Version = "dev"
	// Commit is set via -ldflags at build time.
	Commit = "unknown"
	// BuildTime is set via -ldflags at build time.
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(2)
	}

	switch os.Args[1] {
	case "chat":
		chatCmd(os.Args[2:])
	case "serve":
		serveCmd(os.Args[2:])
	case "session":
		sessionCmd(os.Args[2:])
	case "activity":
		activityCmd(os.Args[2:])
	case "version":
		fmt.Printf("widgetchat %s (%s) %s\n", Version, Commit, BuildTime)
	default:
		printUsage()
		os.Exit(2)
	}
}

func printUsage() {
	fmt.Fprintf(os.Stderr, `widgetchat

Usage:
  widgetchat chat [flags]
  widgetchat serve [flags]
  widgetchat session show|set|forget [flags]
  widgetchat activity [flags]
  widgetchat version

Commands:
  chat      Open a support conversation in the terminal.
  serve     Serve the widget HTTP API for an embedded frontend.
  session   Inspect or change the stored contact session.
  activity  Print recent local activity (opened conversations, sends, failures).
  version   Print build information.

`)
}

// env bundles what every command needs once the config is loaded.
type env struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *sessionstore.Store
	activity *auditlog.Store
	lock     *lockfile.Lock
}

func (e *env) Close() {
	if e.store != nil {
		_ = e.store.Close()
	}
	if e.lock != nil {
		_ = e.lock.Release()
	}
}

// loadEnv opens the config and local stores. exclusive takes the state dir
// lock; read-only commands skip it so they work next to a running chat or serve.
func loadEnv(cfgPath string, mode string, exclusive bool) (*env, error) {
	if err := config.LoadEnvFiles(".env"); err != nil {
		return nil, err
	}
	cfg, err := config.Load(filepath.Clean(cfgPath))
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger, err := config.NewLogger(os.Stderr, cfg.LogFormat, cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	e := &env{cfg: cfg, log: logger}
	if exclusive {
		lock, err := lockfile.Acquire(cfg.LockPath(), mode)
		if err != nil {
			return nil, fmt.Errorf("state dir busy: %w", err)
		}
		e.lock = lock
	}
	store, err := sessionstore.Open(cfg.DBPath())
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open state: %w", err)
	}
	e.store = store
	activity, err := auditlog.New(auditlog.Options{Logger: logger, StateDir: cfg.StateDir})
	if err != nil {
		e.Close()
		return nil, fmt.Errorf("open activity log: %w", err)
	}
	e.activity = activity
	return e, nil
}

func (e *env) backendClient() (*backend.Client, error) {
	return backend.New(backend.Options{
		Logger:  e.log,
		BaseURL: e.cfg.BackendURL,
		Timeout: e.cfg.BackendTimeout,
	})
}

// contactSession picks the flag value, then the config, then the stored session.
// A non-empty flag or config value is remembered for the next run.
func (e *env) contactSession(ctx context.Context, flagValue string) (string, error) {
	id := strings.TrimSpace(flagValue)
	if id == "" {
		id = strings.TrimSpace(e.cfg.ContactSessionID)
	}
	if id != "" {
		if err := e.store.PutContactSession(ctx, e.cfg.OrganizationID, id); err != nil {
			return "", err
		}
		return id, nil
	}
	cs, err := e.store.GetContactSession(ctx, e.cfg.OrganizationID)
	if err != nil {
		return "", err
	}
	if cs == nil {
		return "", errors.New("no contact session: pass -contact-session or run `widgetchat session set`")
	}
	return cs.ContactSessionID, nil
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	// Graceful shutdown on SIGINT/SIGTERM.
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(stop)
	}()
	return ctx, cancel
}

func draftOptions(cfg *config.Config) upload.DraftOptions {
	return upload.DraftOptions{MaxImages: cfg.Upload.MaxImages, MaxImageBytes: cfg.Upload.MaxImageBytes}
}

func chatCmd(args []string) {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	contactSessionID := fs.String("contact-session", "", "Contact session id (default: config, then stored)")
	conversationID := fs.String("conversation", "", "Conversation id (default: config, then last opened)")
	_ = fs.Parse(args)

	e, err := loadEnv(*cfgPath, "chat", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	ctx, cancel := signalContext()
	defer cancel()

	cs, err := e.contactSession(ctx, *contactSessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	convID := strings.TrimSpace(*conversationID)
	if convID == "" {
		convID = strings.TrimSpace(e.cfg.ConversationID)
	}
	if convID == "" {
		st, err := e.store.GetWidgetState(ctx, e.cfg.OrganizationID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read state: %v\n", err)
			os.Exit(1)
		}
		convID = st.ConversationID
	}
	if convID == "" {
		fmt.Fprintln(os.Stderr, "no conversation selected: pass -conversation")
		os.Exit(2)
	}

	client, err := e.backendClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init backend client: %v\n", err)
		os.Exit(1)
	}
	s, err := widget.New(widget.Options{
		Logger:           e.log,
		Backend:          client,
		State:            e.store,
		Activity:         e.activity,
		OrganizationID:   e.cfg.OrganizationID,
		ConversationID:   convID,
		ContactSessionID: cs,
		Draft:            draftOptions(e.cfg),
		InitialNumItems:  e.cfg.History.InitialNumItems,
		LoadSize:         e.cfg.History.PageSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init session: %v\n", err)
		os.Exit(1)
	}

	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:        Version,
		BackendURL:     e.cfg.BackendURL,
		OrganizationID: e.cfg.OrganizationID,
		ConversationID: convID,
	})

	if err := s.Open(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to open conversation: %v\n", err)
		os.Exit(1)
	}

	loop := &chatLoop{session: s, in: os.Stdin, out: os.Stdout, readFile: os.ReadFile}
	if err := loop.run(ctx); err != nil && ctx.Err() == nil {
		fmt.Fprintf(os.Stderr, "chat exited with error: %v\n", err)
		os.Exit(1)
	}
}

func serveCmd(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	listen := fs.String("listen", "", "Listen address (default: gateway.listen_addr)")
	_ = fs.Parse(args)

	e, err := loadEnv(*cfgPath, "serve", true)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	client, err := e.backendClient()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init backend client: %v\n", err)
		os.Exit(1)
	}

	addr := strings.TrimSpace(*listen)
	if addr == "" {
		addr = e.cfg.Gateway.ListenAddr
	}
	gw, err := gateway.New(gateway.Options{
		Logger:          e.log,
		ListenAddr:      addr,
		AllowedOrigins:  e.cfg.Gateway.AllowedOrigins,
		Backend:         client,
		State:           e.store,
		Activity:        e.activity,
		OrganizationID:  e.cfg.OrganizationID,
		Draft:           draftOptions(e.cfg),
		InitialNumItems: e.cfg.History.InitialNumItems,
		LoadSize:        e.cfg.History.PageSize,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init gateway: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	if err := gw.Start(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "failed to start gateway: %v\n", err)
		os.Exit(1)
	}
	printWelcomeBanner(os.Stdout, welcomeBannerOptions{
		Version:        Version,
		BackendURL:     e.cfg.BackendURL,
		OrganizationID: e.cfg.OrganizationID,
		GatewayURL:     gw.URL(),
	})

	<-ctx.Done()
	_ = gw.Close()
}

func sessionCmd(args []string) {
	if len(args) < 1 {
		printUsage()
		os.Exit(2)
	}
	action := args[0]

	fs := flag.NewFlagSet("session "+action, flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	id := fs.String("id", "", "Contact session id (session set)")
	persist := fs.Bool("persist-config", false, "Also write the id to the config file (session set)")
	_ = fs.Parse(args[1:])

	e, err := loadEnv(*cfgPath, "session "+action, action != "show")
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	ctx := context.Background()
	org := e.cfg.OrganizationID
	switch action {
	case "show":
		cs, err := e.store.GetContactSession(ctx, org)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to read session: %v\n", err)
			os.Exit(1)
		}
		st, _ := e.store.GetWidgetState(ctx, org)
		if cs == nil {
			fmt.Printf("organization %s: no contact session\n", org)
			return
		}
		fmt.Printf("organization %s: contact session %s, screen %s", org, cs.ContactSessionID, st.Screen)
		if st.ConversationID != "" {
			fmt.Printf(", conversation %s", st.ConversationID)
		}
		fmt.Println()
	case "set":
		if strings.TrimSpace(*id) == "" {
			fs.Usage()
			os.Exit(2)
		}
		if err := e.store.PutContactSession(ctx, org, *id); err != nil {
			fmt.Fprintf(os.Stderr, "failed to save session: %v\n", err)
			os.Exit(1)
		}
		if *persist {
			if err := config.Update(*cfgPath, func(c *config.Config) { c.ContactSessionID = strings.TrimSpace(*id) }); err != nil {
				fmt.Fprintf(os.Stderr, "failed to update config: %v\n", err)
				os.Exit(1)
			}
		}
		fmt.Printf("Contact session saved for %s\n", org)
	case "forget":
		if err := e.store.DeleteContactSession(ctx, org); err != nil {
			fmt.Fprintf(os.Stderr, "failed to forget session: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Contact session removed for %s\n", org)
	default:
		printUsage()
		os.Exit(2)
	}
}

func activityCmd(args []string) {
	fs := flag.NewFlagSet("activity", flag.ExitOnError)
	cfgPath := fs.String("config", config.DefaultConfigPath(), "Config file path")
	limit := fs.Int("n", 20, "Number of entries")
	_ = fs.Parse(args)

	e, err := loadEnv(*cfgPath, "activity", false)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
	defer e.Close()

	entries, err := e.activity.List(*limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read activity: %v\n", err)
		os.Exit(1)
	}
	for _, ent := range entries {
		fmt.Println(formatActivity(ent))
	}
}

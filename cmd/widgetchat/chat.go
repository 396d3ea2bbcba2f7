package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/floegence/widgetchat/internal/auditlog"
	"github.com/floegence/widgetchat/internal/backend"
	"github.com/floegence/widgetchat/internal/transcript"
	"github.com/floegence/widgetchat/internal/upload"
	"github.com/floegence/widgetchat/internal/widget"
)

const chatHelp = `Commands:
  /attach <path>...  add images to the next message
  /images            list pending images
  /remove <n>        drop pending image n
  /clear             drop all pending images
  /suggest <n>       send suggestion n
  /more              load older messages
  /refresh           fetch new messages
  /back              leave this conversation
  /quit              exit
Anything else is sent as a message.`

type chatSession interface {
	Transcript() []transcript.UIMessage
	VisibleSuggestions() []string
	Input() widget.InputState
	LoadMore(ctx context.Context) (int, error)
	Refresh(ctx context.Context) (int, error)
	Submit(ctx context.Context, text string) (bool, error)
	SubmitSuggestion(ctx context.Context, i int) (bool, error)
	AddImages(files ...upload.File) ([]upload.Image, error)
	RemoveImage(idx int) error
	ClearImages()
	Back(ctx context.Context)
}

type chatLoop struct {
	session  chatSession
	in       io.Reader
	out      io.Writer
	readFile func(name string) ([]byte, error)

	ansi  bool
	shown int
}

type command struct {
	name string
	args []string
	text string
}

func parseCommand(line string) command {
	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "/") {
		return command{text: line}
	}
	fields := strings.Fields(trimmed)
	return command{name: strings.ToLower(strings.TrimPrefix(fields[0], "/")), args: fields[1:]}
}

func (l *chatLoop) run(ctx context.Context) error {
	l.ansi = isTerminalWriter(l.out)
	l.renderAll()

	sc := bufio.NewScanner(l.in)
	l.prompt()
	for sc.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		done, err := l.handle(ctx, parseCommand(sc.Text()))
		if err != nil {
			fmt.Fprintf(l.out, "%s\n", style("error: "+err.Error(), ansiBold, l.ansi))
		}
		if done {
			return nil
		}
		l.prompt()
	}
	return sc.Err()
}

func (l *chatLoop) handle(ctx context.Context, cmd command) (done bool, err error) {
	switch cmd.name {
	case "":
		sent, err := l.session.Submit(ctx, cmd.text)
		if err != nil {
			if errors.Is(err, widget.ErrConversationResolved) {
				return false, errors.New("this conversation has been resolved")
			}
			return false, err
		}
		if sent {
			l.renderNew()
		}
		return false, nil
	case "help":
		fmt.Fprintln(l.out, chatHelp)
	case "quit", "exit":
		return true, nil
	case "back":
		l.session.Back(ctx)
		fmt.Fprintln(l.out, "Back to conversation selection.")
		return true, nil
	case "more":
		n, err := l.session.LoadMore(ctx)
		if err != nil {
			return false, err
		}
		if n == 0 {
			fmt.Fprintln(l.out, "No older messages.")
			return false, nil
		}
		l.renderAll()
	case "refresh":
		if _, err := l.session.Refresh(ctx); err != nil {
			return false, err
		}
		l.renderNew()
	case "attach":
		if len(cmd.args) == 0 {
			return false, errors.New("usage: /attach <path>...")
		}
		files := make([]upload.File, 0, len(cmd.args))
		for _, p := range cmd.args {
			b, err := l.readFile(p)
			if err != nil {
				return false, err
			}
			files = append(files, upload.File{Name: filepath.Base(p), Data: b})
		}
		added, err := l.session.AddImages(files...)
		for _, img := range added {
			fmt.Fprintf(l.out, "attached %s (%s, %d bytes)\n", img.Name, img.ContentType, img.Size)
		}
		return false, err
	case "images":
		imgs := l.session.Input().Images
		if len(imgs) == 0 {
			fmt.Fprintln(l.out, "No pending images.")
		}
		for i, img := range imgs {
			fmt.Fprintf(l.out, "%d. %s (%d bytes)\n", i+1, img.Name, img.Size)
		}
	case "remove":
		n, err := indexArg(cmd.args)
		if err != nil {
			return false, err
		}
		return false, l.session.RemoveImage(n)
	case "clear":
		l.session.ClearImages()
	case "suggest":
		n, err := indexArg(cmd.args)
		if err != nil {
			return false, err
		}
		sent, err := l.session.SubmitSuggestion(ctx, n)
		if err != nil {
			return false, err
		}
		if sent {
			l.renderNew()
		}
	default:
		return false, fmt.Errorf("unknown command /%s (try /help)", cmd.name)
	}
	return false, nil
}

// indexArg parses a 1-based index argument into a 0-based index.
func indexArg(args []string) (int, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one number")
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid number %q", args[0])
	}
	return n - 1, nil
}

func (l *chatLoop) prompt() {
	in := l.session.Input()
	if in.Disabled {
		fmt.Fprintf(l.out, "%s\n", style(in.Placeholder, ansiDim, l.ansi))
	}
	label := "> "
	if n := len(in.Images); n > 0 {
		label = fmt.Sprintf("[%d image(s)] > ", n)
	}
	fmt.Fprint(l.out, label)
}

func (l *chatLoop) renderAll() {
	msgs := l.session.Transcript()
	for _, m := range msgs {
		fmt.Fprint(l.out, formatMessage(m, l.ansi))
	}
	l.shown = len(msgs)
	l.renderSuggestions()
}

// renderNew prints messages appended since the last render.
func (l *chatLoop) renderNew() {
	msgs := l.session.Transcript()
	start := l.shown
	if start > len(msgs) {
		start = 0
	}
	for _, m := range msgs[start:] {
		fmt.Fprint(l.out, formatMessage(m, l.ansi))
	}
	l.shown = len(msgs)
	l.renderSuggestions()
}

func (l *chatLoop) renderSuggestions() {
	for i, s := range l.session.VisibleSuggestions() {
		fmt.Fprintf(l.out, "  [%d] %s\n", i+1, style(s, ansiCyan, l.ansi))
	}
}

func formatMessage(m transcript.UIMessage, ansi bool) string {
	var sb strings.Builder
	who := "you"
	code := ansiGreen
	if m.Role != backend.RoleUser {
		who = "support"
		code = ansiBold
	}
	sb.WriteString(style(who+":", code, ansi))
	if strings.TrimSpace(m.Text) != "" {
		sb.WriteString(" ")
		sb.WriteString(m.Text)
	}
	sb.WriteString("\n")
	for _, u := range m.Images {
		sb.WriteString("    ")
		sb.WriteString(styleURL(u, ansi))
		sb.WriteString("\n")
	}
	return sb.String()
}

func formatActivity(e auditlog.Entry) string {
	line := fmt.Sprintf("%s  %-20s %-7s %s", e.CreatedAt, e.Action, e.Status, e.ConversationID)
	if e.Images > 0 {
		line += fmt.Sprintf(" images=%d", e.Images)
	}
	if e.Stage != "" {
		line += " stage=" + e.Stage
	}
	if e.Error != "" {
		line += " error=" + strconv.Quote(e.Error)
	}
	return line
}

package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/xiaot623/gogo/chatclient/internal/app"
	"github.com/xiaot623/gogo/chatclient/internal/domain"
)

const helpText = `Commands:
  /login <email> <password>  log in
  /list                      list conversations
  /open <id>                 open a conversation
  /new                       start a new conversation
  /delete <id>               delete a conversation
  /attach <path>             attach a file to the next message
  /logout                    log out
  /quit                      exit
Anything else is sent to the open conversation.`

// repl is the interactive front end. Streamed output is printed from store changes.
type repl struct {
	app *app.App

	mu      sync.Mutex
	out     io.Writer
	active  string
	printed map[string]int
	pending *domain.Attachment

	unsubscribe func()
}

func newREPL(a *app.App, out io.Writer) *repl {
	r := &repl{app: a, out: out, printed: make(map[string]int)}
	r.unsubscribe = a.Conversations.Subscribe(r.onChange)
	return r
}

func (r *repl) close() {
	r.unsubscribe()
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// run reads commands until EOF, /quit, or ctx ends.
func (r *repl) run(ctx context.Context, in io.Reader) error {
	r.printf("%s\n", helpText)

	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errs <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			r.printf("\nInterrupted\n")
			return nil
		case line, ok := <-lines:
			if !ok {
				return <-errs
			}
			if r.handle(ctx, line) {
				return nil
			}
		}
	}
}

// handle executes one input line and reports whether the user asked to quit.
func (r *repl) handle(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		r.send(ctx, line)
		return false
	}

	fields := strings.Fields(line)
	arg := func(i int) string {
		if len(fields) > i {
			return fields[i]
		}
		return ""
	}

	switch fields[0] {
	case "/quit":
		r.printf("Bye!\n")
		return true
	case "/help":
		r.printf("%s\n", helpText)
	case "/login":
		if err := r.app.Login(ctx, arg(1), arg(2)); err != nil {
			r.report("Login failed", err)
			return false
		}
		r.printf("Logged in.\n")
		r.list()
	case "/logout":
		r.app.Logout()
		r.setActive("")
		r.printf("Logged out.\n")
	case "/list":
		if err := r.app.Conversations.LoadConversations(ctx); err != nil {
			r.report("Could not load conversations", err)
			return false
		}
		r.list()
	case "/open":
		id := arg(1)
		if id == "" {
			r.printf("Usage: /open <id>\n")
			return false
		}
		if err := r.app.Conversations.OpenConversation(ctx, id); err != nil {
			r.report("Could not open conversation", err)
			return false
		}
		r.switchTo(id)
		for _, m := range r.app.Conversations.Messages(id) {
			r.printf("%s: %s\n", m.Role, m.Content)
		}
	case "/new":
		r.switchTo(r.app.NewConversation())
		r.printf("Started conversation %s\n", r.activeID())
	case "/delete":
		id := arg(1)
		if id == "" {
			r.printf("Usage: /delete <id>\n")
			return false
		}
		if err := r.app.Conversations.RemoveConversation(ctx, id); err != nil {
			r.report("Delete failed", err)
			return false
		}
		if r.activeID() == id {
			r.setActive("")
		}
		r.printf("Deleted %s\n", id)
	case "/attach":
		att, err := attachment(arg(1))
		if err != nil {
			r.report("Cannot attach", err)
			return false
		}
		r.mu.Lock()
		r.pending = att
		r.mu.Unlock()
		r.printf("Attached %s (%d bytes) to the next message\n", att.Name, att.Size)
	default:
		r.printf("Unknown command %s, try /help\n", fields[0])
	}
	return false
}

func (r *repl) send(ctx context.Context, text string) {
	id := r.activeID()
	if id == "" {
		r.printf("No open conversation, use /new or /open <id>\n")
		return
	}

	r.mu.Lock()
	file := r.pending
	r.pending = nil
	r.mu.Unlock()

	s, err := r.app.Send(ctx, id, text, file)
	if err != nil {
		r.report("Not sent", err)
		return
	}
	if err := s.Wait(ctx); err != nil {
		r.report("\nResponse failed", err)
	}
}

func (r *repl) list() {
	convs := r.app.Conversations.Conversations()
	if len(convs) == 0 {
		r.printf("No conversations.\n")
		return
	}
	for _, c := range convs {
		r.printf("  %s  %s\n", c.ID, c.Title)
	}
}

// onChange prints assistant output of the active conversation as it grows.
func (r *repl) onChange(change domain.Change) {
	if change.Kind == domain.ChangeConversationsReset {
		r.setActive("")
		return
	}
	if change.Kind != domain.ChangeMessageUpdated && change.Kind != domain.ChangeMessageAppended {
		return
	}
	if change.ConversationID != r.activeID() {
		return
	}

	msg, ok := r.app.Conversations.LastMessage(change.ConversationID)
	if !ok || msg.Role != domain.RoleAssistant || msg.ID != change.MessageID {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.printed[msg.ID]
	if n == 0 && change.Kind == domain.ChangeMessageAppended {
		prefix := "assistant"
		if msg.Agent != "" {
			prefix = msg.Agent
		}
		fmt.Fprintf(r.out, "%s: ", prefix)
	}
	if len(msg.Content) > n {
		fmt.Fprint(r.out, msg.Content[n:])
		r.printed[msg.ID] = len(msg.Content)
	}
	if !msg.InFlight && !msg.Failed {
		fmt.Fprintln(r.out)
		for _, src := range msg.Sources {
			fmt.Fprintf(r.out, "  [source] %s\n", src.Key)
		}
		delete(r.printed, msg.ID)
	}
}

func (r *repl) report(prefix string, err error) {
	var apiErr *domain.APIError
	switch {
	case errors.Is(err, domain.ErrAuthExpired):
		r.printf("%s: session expired, please /login again\n", prefix)
	case errors.Is(err, domain.ErrStreamBusy):
		r.printf("%s: still answering the previous message\n", prefix)
	case errors.As(err, &apiErr) && len(apiErr.FieldErrors) > 0:
		r.printf("%s: %s (%s)\n", prefix, apiErr.Message, apiErr.FieldErrors)
	default:
		r.printf("%s: %v\n", prefix, err)
	}
}

func (r *repl) switchTo(id string) {
	r.mu.Lock()
	prev := r.active
	r.active = id
	r.mu.Unlock()

	if prev != "" && prev != id {
		r.app.Conversations.CloseConversation(prev)
	}
}

func (r *repl) setActive(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = id
}

func (r *repl) activeID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

func attachment(path string) (*domain.Attachment, error) {
	if path == "" {
		return nil, errors.New("usage: /attach <path>")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s is a directory", path)
	}
	return &domain.Attachment{
		Name:     info.Name(),
		MimeType: mime.TypeByExtension(filepath.Ext(abs)),
		Size:     info.Size(),
		URL:      "file://" + abs,
	}, nil
}

package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/p-blackswan/agentchat/internal/message"
	"github.com/p-blackswan/agentchat/internal/session"
)

var runCmd = &cobra.Command{
	Use:   "run <chat-id>",
	Short: "Open a chat and talk to the agent",
	Long: `Open a chat and talk to the agent.

Lines are sent as text turns. Commands:
  /image <path> <caption>  send an image with a caption
  /recover                 apply the offered recovery after a disconnect
  /state                   print the session snapshot
  /quit                    leave`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}

		a, err := newApp(cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a.runRetention(ctx)

		r := newREPL(cmd.OutOrStdout())
		a.startSessions(session.NotifierFunc(r.notify))
		r.pool = a.pool
		a.startStatus()

		runErr := r.run(ctx, args[0], cmd.InOrStdin())
		if err := a.close(); err != nil {
			logger.Warn().Err(err).Msg("shutdown")
		}
		return runErr
	},
}

// sessionPool is the part of session.Pool the REPL uses.
type sessionPool interface {
	Open(ctx context.Context, id string) (*session.Controller, error)
	Get(id string) (*session.Controller, bool)
	Remove(id string) error
}

// repl reads user lines and prints the conversation.
type repl struct {
	pool sessionPool

	mu      sync.Mutex
	out     io.Writer
	current *session.Controller
	printed int
}

func newREPL(out io.Writer) *repl {
	return &repl{out: out}
}

func (r *repl) run(ctx context.Context, chatID string, in io.Reader) error {
	if err := r.open(ctx, chatID); err != nil {
		return err
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 64*1024), 1<<20)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			quit, err := r.handle(ctx, line)
			if err != nil {
				r.printf("! %v\n", err)
			}
			if quit {
				return nil
			}
		}
	}
}

// open switches the REPL to chat id and prints its history.
func (r *repl) open(ctx context.Context, id string) error {
	c, err := r.pool.Open(ctx, id)
	if err != nil {
		return fmt.Errorf("opening chat %s: %w", id, err)
	}

	r.mu.Lock()
	r.current = c
	r.printed = 0
	r.mu.Unlock()

	r.printf("chat %s (%s)\n", c.SessionID(), c.Model())
	r.flush(true)
	return nil
}

func (r *repl) controller() *session.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *repl) handle(ctx context.Context, line string) (bool, error) {
	cmd, rest := parseLine(line)
	c := r.controller()

	switch cmd {
	case "":
		return false, nil
	case "/quit", "/exit":
		return true, nil
	case "/state":
		data, err := json.MarshalIndent(c.Snapshot(), "", "  ")
		if err != nil {
			return false, err
		}
		r.printf("%s\n", data)
		return false, nil
	case "/recover":
		return false, r.recover(ctx, c)
	case "/image":
		path, caption, _ := strings.Cut(rest, " ")
		if path == "" {
			return false, errors.New("usage: /image <path> <caption>")
		}
		img, err := os.ReadFile(path)
		if err != nil {
			return false, err
		}
		return false, c.Submit(ctx, session.Input{Text: caption, Image: img})
	case "text":
		return false, c.Submit(ctx, session.Input{Text: rest})
	default:
		return false, fmt.Errorf("unknown command %s", cmd)
	}
}

func (r *repl) recover(ctx context.Context, c *session.Controller) error {
	res, err := c.Recover(ctx)
	if err != nil {
		return err
	}
	if res.NewSessionID == "" {
		r.printf("reconnected\n")
		return nil
	}

	old := c.SessionID()
	if err := r.open(ctx, res.NewSessionID); err != nil {
		return err
	}
	return r.pool.Remove(old)
}

// notify prints notices for the current chat.
func (r *repl) notify(n session.Notice) {
	c := r.controller()
	if c == nil || n.SessionID != c.SessionID() {
		return
	}

	switch n.Kind {
	case session.NoticeHistory:
		r.flush(false)
	case session.NoticeSuccess:
		r.printf("* %s\n", n.Text)
	case session.NoticeError:
		if n.Action != "" {
			r.printf("! %s (/recover to %s)\n", n.Text, strings.ToLower(string(n.Action)))
			return
		}
		r.printf("! %s\n", n.Text)
	}
}

// flush prints history entries not yet shown. User turns are echoed only
// when all is set.
func (r *repl) flush(all bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.current == nil {
		return
	}

	entries := r.current.History()
	if r.printed > len(entries) {
		r.printed = 0
	}
	for _, e := range entries[r.printed:] {
		if !all && e.Message.Role == message.RoleUser {
			continue
		}
		fmt.Fprintln(r.out, formatMessage(e.Message))
	}
	r.printed = len(entries)
}

func (r *repl) printf(format string, args ...interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fmt.Fprintf(r.out, format, args...)
}

// parseLine splits a line into a slash command and its argument. Plain lines
// are reported as "text".
func parseLine(line string) (string, string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", ""
	}
	if !strings.HasPrefix(line, "/") {
		return "text", line
	}
	cmd, rest, _ := strings.Cut(line, " ")
	return cmd, strings.TrimSpace(rest)
}

func formatMessage(m message.Message) string {
	content := m.Content
	if m.Kind == message.KindFile {
		header, _, _ := strings.Cut(content, ",")
		content = "[image " + strings.TrimPrefix(header, "data:") + "]"
	}
	return fmt.Sprintf("%s> %s", m.Role, content)
}

package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"github.com/mattn/go-isatty"
	"github.com/peterh/liner"

	"github.com/ransaradev/ransgpt/internal/chat"
	"github.com/ransaradev/ransgpt/internal/client"
	"github.com/ransaradev/ransgpt/internal/session"
)

var (
	promptStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("14")).Bold(true)
	infoStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	warningStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	titleStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("13")).Bold(true)
)

// cliSink renders session events to the terminal. On a TTY the reply is
// collected and rendered as markdown at the end; otherwise chunks are
// streamed raw as they arrive.
type cliSink struct {
	markdown bool
	renderer *glamour.TermRenderer
}

func newSink() *cliSink {
	s := &cliSink{markdown: isatty.IsTerminal(os.Stdout.Fd())}
	if s.markdown {
		r, err := glamour.NewTermRenderer(glamour.WithAutoStyle(), glamour.WithWordWrap(80))
		if err != nil {
			s.markdown = false
		} else {
			s.renderer = r
		}
	}
	return s
}

func (s *cliSink) render(text string) string {
	if s.renderer == nil {
		return text
	}
	out, err := s.renderer.Render(text)
	if err != nil {
		return text
	}
	return out
}

func (s *cliSink) Chunk(chatID, delta string) {
	if !s.markdown {
		fmt.Print(delta)
	}
}

func (s *cliSink) Done(chatID string, turn chat.Turn) {
	if s.markdown {
		fmt.Print(s.render(turn.Text))
	} else {
		fmt.Println()
	}
	if turn.ModelUsed != "" {
		fmt.Fprintln(os.Stderr, infoStyle.Render("[via "+turn.ModelUsed+"]"))
	}
	fmt.Println()
}

func (s *cliSink) Stopped(chatID, partial string) {
	fmt.Println()
	fmt.Println(warningStyle.Render(session.StopMarker))
	fmt.Println()
}

func (s *cliSink) Failed(chatID string, err error) {
	fmt.Println()
	fmt.Fprintf(os.Stderr, "%s %v\n\n", errorStyle.Render("[Error]"), err)
}

// guestID resolves a stable per-machine guest identity, creating one on
// first run.
func guestID(dir string) string {
	path := filepath.Join(dir, "guest_id")
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	id := uuid.NewString()
	_ = os.WriteFile(path, []byte(id+"\n"), 0o600)
	return id
}

func main() {
	server := flag.String("server", "http://localhost:8080", "backend base URL")
	token := flag.String("token", "", "bearer token for an authenticated account")
	status := flag.String("status", "", "account tier hint (flash or pro)")
	noStream := flag.Bool("no-stream", false, "disable SSE and use single-shot requests")
	flag.Parse()

	storePath, err := session.DefaultStorePath()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		os.Exit(1)
	}

	opts := []client.Option{client.WithStreaming(!*noStream)}
	if *token != "" {
		opts = append(opts, client.WithToken(*token))
	} else {
		opts = append(opts, client.WithGuestID(guestID(filepath.Dir(storePath))))
	}
	backend := client.New(*server, opts...)

	sink := newSink()
	sess, err := session.New(backend, session.NewFileStore(storePath), sink)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
		os.Exit(1)
	}

	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyFile := filepath.Join(filepath.Dir(storePath), "input_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	defer func() {
		if f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			line.WriteHistory(f)
			f.Close()
		}
	}()

	// Ctrl+C during a generation stops it; at the prompt liner reports
	// ErrPromptAborted instead.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for range sigCh {
			sess.Stop()
		}
	}()

	fmt.Println(titleStyle.Render("RansGPT"))
	fmt.Println(infoStyle.Render("Type a message, or /help for commands. g: and d: prefixes pick a model."))
	fmt.Println()

	for {
		input, err := line.Prompt(promptStyle.Render("you> "))
		if err != nil {
			if err == liner.ErrPromptAborted {
				continue
			}
			fmt.Println()
			return
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			if !runCommand(sess, *status, input) {
				return
			}
			continue
		}

		fmt.Println()
		if err := sess.Send(input, nil, session.Options{UserStatus: *status}); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			continue
		}
		sess.Wait()
	}
}

// runCommand handles slash commands; false means exit.
func runCommand(sess *session.Session, status, input string) bool {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help", "/h":
		fmt.Println()
		fmt.Println(infoStyle.Render("  /new            start a new chat"))
		fmt.Println(infoStyle.Render("  /chats          list chats"))
		fmt.Println(infoStyle.Render("  /switch <n>     switch to chat n from /chats"))
		fmt.Println(infoStyle.Render("  /delete <n>     delete chat n"))
		fmt.Println(infoStyle.Render("  /regen          regenerate the last reply with the other model"))
		fmt.Println(infoStyle.Render("  /history        show the current transcript"))
		fmt.Println(infoStyle.Render("  /quit           exit"))
		fmt.Println(infoStyle.Render("  Ctrl+C          stop the current generation"))
		fmt.Println()

	case "/new":
		sess.NewChat()
		fmt.Println(infoStyle.Render("[new chat]"))

	case "/chats":
		chats := sess.Chats()
		if len(chats) == 0 {
			fmt.Println(infoStyle.Render("[no chats yet]"))
			break
		}
		for i, c := range chats {
			title := c.Title
			if title == "" {
				title = "(untitled)"
			}
			fmt.Printf("  %d. %s %s\n", i+1, title, infoStyle.Render("("+strconv.Itoa(len(c.Turns))+" messages)"))
		}

	case "/switch", "/delete":
		if len(args) != 1 {
			fmt.Println(warningStyle.Render("usage: " + cmd + " <n>"))
			break
		}
		n, err := strconv.Atoi(args[0])
		chats := sess.Chats()
		if err != nil || n < 1 || n > len(chats) {
			fmt.Println(warningStyle.Render("no such chat"))
			break
		}
		if cmd == "/delete" {
			sess.Delete(chats[n-1].ID)
			fmt.Println(infoStyle.Render("[deleted]"))
		} else if err := sess.Switch(chats[n-1].ID); err == nil {
			fmt.Println(infoStyle.Render("[switched]"))
		}

	case "/regen":
		fmt.Println()
		if err := sess.Regenerate(status); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("[Error]"), err)
			break
		}
		sess.Wait()

	case "/history":
		c := sess.ActiveChat()
		if c == nil || len(c.Turns) == 0 {
			fmt.Println(infoStyle.Render("[no messages yet]"))
			break
		}
		for i, t := range c.Turns {
			who := "You"
			if t.Sender == "model" {
				who = "RansGPT"
			}
			text := strings.ReplaceAll(t.Text, "\n", " ")
			if r := []rune(text); len(r) > 100 {
				text = string(r[:100]) + "..."
			}
			fmt.Printf("  %d. %s: %s\n", i+1, who, text)
		}

	case "/quit", "/q", "/exit":
		return false

	default:
		fmt.Println(warningStyle.Render("unknown command (try /help)"))
	}
	return true
}

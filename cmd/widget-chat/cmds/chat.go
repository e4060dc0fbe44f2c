package cmds

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/atotto/clipboard"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/widgetchat/pkg/metrics"
	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

type chatFlags struct {
	url         string
	chatbotID   string
	widgetKey   string
	maxMessages int
	fresh       bool
}

func NewChatCommand(app *App) *cobra.Command {
	f := &chatFlags{}
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with a widget backend from the terminal",
		Long: `Reads one message per line from stdin. Lines starting with a slash are commands:

  /like ID  /dislike ID  /regenerate ID   react to a message
  /copy ID                                copy a message to the clipboard
  /reconnect                              retry after a connection failure
  /quit                                   leave (the conversation can be resumed later)`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s := app.Settings
			if cmd.Flags().Changed("url") {
				s.Transport.URL = f.url
			}
			if cmd.Flags().Changed("chatbot-id") {
				s.Transport.Auth.ChatbotID = f.chatbotID
			}
			if cmd.Flags().Changed("widget-key") {
				s.Transport.Auth.WidgetKey = f.widgetKey
			}
			if cmd.Flags().Changed("max-messages") {
				s.Composer.MaxMessagesPerConversation = f.maxMessages
			}
			if err := s.ValidateClient(); err != nil {
				return err
			}
			return runChat(cmd.Context(), app, f.fresh, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&f.url, "url", "", "Websocket endpoint of the backend")
	cmd.Flags().StringVar(&f.chatbotID, "chatbot-id", "", "Chatbot to talk to")
	cmd.Flags().StringVar(&f.widgetKey, "widget-key", "", "Widget key presented during the handshake")
	cmd.Flags().IntVar(&f.maxMessages, "max-messages", 0, "Maximum user messages per conversation (0 = unlimited)")
	cmd.Flags().BoolVar(&f.fresh, "fresh", false, "Ignore the stored conversation and start a new one")
	return cmd
}

func runChat(ctx context.Context, app *App, fresh bool, in io.Reader, out io.Writer) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closer, err := app.OpenSessionStore(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	if fresh {
		store.Clear(ctx)
	}

	// Client metrics are kept in a private registry and summarized on exit.
	reg := prometheus.NewRegistry()
	diag, err := metrics.NewDiagnostics(reg)
	if err != nil {
		return err
	}

	transport, err := widgetchat.NewWSTransport(app.Settings.TransportConfig(), widgetchat.WithTransportDiagnostics(diag))
	if err != nil {
		return err
	}
	p := newPrinter(out)
	session, err := widgetchat.NewSession(app.Settings.SessionConfig(), transport, store,
		widgetchat.WithDiagnostics(diag),
		widgetchat.WithChangeListener(p.render),
	)
	if err != nil {
		return err
	}
	composer := widgetchat.NewComposer(session, app.Settings.Composer)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-runCtx.Done():
				return
			}
		}
	}()

	eg, egCtx := errgroup.WithContext(runCtx)
	eg.Go(func() error {
		return session.Run(egCtx)
	})
	eg.Go(func() error {
		defer cancel()
		for {
			select {
			case <-egCtx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				quit, err := handleLine(egCtx, session, composer, line)
				if err != nil {
					_, _ = fmt.Fprintf(out, "!! %s\n", err)
				}
				if quit {
					return nil
				}
			}
		}
	})
	err = eg.Wait()
	if totals, gerr := metrics.Totals(reg); gerr == nil {
		log.Debug().
			Float64("events_received", totals["widgetchat_client_events_received_total"]).
			Float64("events_dropped", totals["widgetchat_client_events_dropped_total"]).
			Float64("events_sent", totals["widgetchat_client_events_sent_total"]).
			Msg("chat session finished")
	}
	return err
}

var writeClipboard = clipboard.WriteAll

func messageContent(s widgetchat.Snapshot, id string) (string, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m.Content, true
		}
	}
	return "", false
}

// handleLine dispatches one input line. It reports whether the user asked to quit.
func handleLine(ctx context.Context, session *widgetchat.Session, composer *widgetchat.Composer, line string) (bool, error) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "/") {
		if err := composer.SetDraft(ctx, line); err != nil {
			return false, err
		}
		return false, composer.Submit(ctx)
	}

	fields := strings.Fields(line)
	arg := ""
	if len(fields) > 1 {
		arg = fields[1]
	}
	switch fields[0] {
	case "/quit", "/exit":
		return true, nil
	case "/like":
		return false, session.Like(ctx, arg)
	case "/dislike":
		return false, session.Dislike(ctx, arg)
	case "/regenerate":
		return false, session.Regenerate(ctx, arg)
	case "/reconnect":
		return false, session.Reconnect(ctx)
	case "/copy":
		snap, err := session.Snapshot(ctx)
		if err != nil {
			return false, err
		}
		content, ok := messageContent(snap, arg)
		if !ok {
			return false, errors.Errorf("no message %q", arg)
		}
		return false, errors.Wrap(writeClipboard(content), "copy to clipboard")
	default:
		return false, errors.Errorf("unknown command %s", fields[0])
	}
}

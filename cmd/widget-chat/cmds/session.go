package cmds

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/tcnksm/go-input"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

func NewSessionCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "session",
		Short: "Inspect or clear the locally stored conversation",
	}
	cmd.AddCommand(newSessionShowCommand(app), newSessionClearCommand(app))
	return cmd
}

func newSessionShowCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the stored conversation record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closer, err := app.OpenSessionStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			out := cmd.OutOrStdout()
			rec, ok := store.Peek(ctx)
			if !ok {
				_, _ = fmt.Fprintln(out, "no stored conversation")
				return nil
			}
			age := time.Since(rec.StoredAt()).Truncate(time.Second)
			_, _ = fmt.Fprintf(out, "conversation: %s\n", rec.ConversationID)
			_, _ = fmt.Fprintf(out, "chatbot:      %s\n", rec.ChatbotID)
			_, _ = fmt.Fprintf(out, "widget key:   %s\n", rec.WidgetKey)
			if rec.DisplayName != "" {
				_, _ = fmt.Fprintf(out, "display name: %s\n", rec.DisplayName)
			}
			_, _ = fmt.Fprintf(out, "stored at:    %s (%s ago)\n", rec.StoredAt().Format(time.RFC3339), age)

			auth := app.Settings.Transport.Auth
			ttl := app.Settings.Store.TTL
			if ttl <= 0 {
				ttl = widgetchat.DefaultSessionTTL
			}
			switch {
			case rec.ChatbotID != auth.ChatbotID || rec.WidgetKey != auth.WidgetKey:
				_, _ = fmt.Fprintln(out, "status:       belongs to another widget, the next chat starts fresh")
			case age >= ttl:
				_, _ = fmt.Fprintln(out, "status:       expired, the next chat starts fresh")
			default:
				_, _ = fmt.Fprintln(out, "status:       resumable")
			}
			return nil
		},
	}
}

func newSessionClearCommand(app *App) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Forget the stored conversation so the next chat starts fresh",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			store, closer, err := app.OpenSessionStore(ctx)
			if err != nil {
				return err
			}
			defer func() { _ = closer.Close() }()

			if !yes && isatty.IsTerminal(os.Stdin.Fd()) {
				ok, err := confirm(cmd.InOrStdin(), cmd.OutOrStdout(), "Forget the stored conversation? [y/N]")
				if err != nil {
					return err
				}
				if !ok {
					_, _ = fmt.Fprintln(cmd.OutOrStdout(), "kept stored conversation")
					return nil
				}
			}
			store.Clear(ctx)
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), "stored conversation cleared")
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func confirm(in io.Reader, out io.Writer, query string) (bool, error) {
	ui := &input.UI{Writer: out, Reader: in}
	answer, err := ui.Ask(query, &input.Options{
		Default:  "n",
		Required: true,
		Loop:     true,
		ValidateFunc: func(s string) error {
			switch strings.ToLower(s) {
			case "y", "yes", "n", "no":
				return nil
			}
			return errors.Errorf("please enter y or n")
		},
	})
	if err != nil {
		return false, errors.Wrap(err, "confirm")
	}
	a := strings.ToLower(answer)
	return a == "y" || a == "yes", nil
}

package widgetchat

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrNotConnected    = errors.New("transport not connected")
	ErrTransportClosed = errors.New("transport closed")
)

// Handler receives a dispatched event. Handlers run on the transport's read goroutine and must
// not block.
type Handler func(Event)

// Transport owns one persistent bidirectional connection to the conversation backend and exposes
// a publish/subscribe surface for named events.
type Transport interface {
	// Connect is idempotent: while a connection is being established or is live, further calls
	// return nil without dialing again.
	Connect(ctx context.Context) error
	Disconnect() error
	Emit(ctx context.Context, ev Event) error
	Subscribe(name EventName, h Handler) (unsubscribe func())
	Connected() bool
}

// AuthParams are presented to the backend during the connection handshake.
type AuthParams struct {
	WidgetKey      string   `yaml:"widget-key" env:"WIDGET_KEY"`
	ChatbotID      string   `yaml:"chatbot-id" env:"CHATBOT_ID"`
	KeyPermissions []string `yaml:"key-permissions" env:"KEY_PERMISSIONS" envSeparator:","`
	AllowAnonymous bool     `yaml:"allow-anonymous" env:"ALLOW_ANONYMOUS"`
}

func (a AuthParams) apply(u *url.URL) {
	q := u.Query()
	if a.WidgetKey != "" {
		q.Set("widgetKey", a.WidgetKey)
	}
	if a.ChatbotID != "" {
		q.Set("chatbotId", a.ChatbotID)
	}
	if len(a.KeyPermissions) > 0 {
		q.Set("keyPermissions", strings.Join(a.KeyPermissions, ","))
	}
	q.Set("allowAnonymous", strconv.FormatBool(a.AllowAnonymous))
	u.RawQuery = q.Encode()
}

// AuthParamsFromRequest is the backend-side inverse of the handshake encoding.
func AuthParamsFromRequest(r *http.Request) AuthParams {
	q := r.URL.Query()
	a := AuthParams{
		WidgetKey: strings.TrimSpace(q.Get("widgetKey")),
		ChatbotID: strings.TrimSpace(q.Get("chatbotId")),
	}
	if perms := strings.TrimSpace(q.Get("keyPermissions")); perms != "" {
		for _, p := range strings.Split(perms, ",") {
			if p = strings.TrimSpace(p); p != "" {
				a.KeyPermissions = append(a.KeyPermissions, p)
			}
		}
	}
	a.AllowAnonymous, _ = strconv.ParseBool(q.Get("allowAnonymous"))
	return a
}

// ErrorKind classifies connection failures.
type ErrorKind string

const (
	ErrorKindCredentialInvalid ErrorKind = "credential-invalid"
	ErrorKindNotFound          ErrorKind = "not-found"
	ErrorKindNetwork           ErrorKind = "network"
)

// UserMessage is the banner text shown for a failure of this kind.
func (k ErrorKind) UserMessage() string {
	switch k {
	case ErrorKindCredentialInvalid:
		return "This chat widget's key is invalid or has expired."
	case ErrorKindNotFound:
		return "This chatbot could not be found."
	default:
		return "Unable to reach the chat service. Please try again later."
	}
}

// ConnectError is returned by Transport.Connect when the handshake fails.
type ConnectError struct {
	Kind       ErrorKind
	StatusCode int
	Err        error
}

func (e *ConnectError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("connect failed (%s, status %d): %v", e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("connect failed (%s): %v", e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// Permanent reports whether retrying cannot help.
func (e *ConnectError) Permanent() bool {
	return e.Kind == ErrorKindCredentialInvalid || e.Kind == ErrorKindNotFound
}

// ClassifyConnectError inspects the handshake response first and falls back to the error text.
func ClassifyConnectError(err error, resp *http.Response) *ConnectError {
	ce := &ConnectError{Kind: ErrorKindNetwork, Err: err}
	if resp != nil {
		ce.StatusCode = resp.StatusCode
		switch resp.StatusCode {
		case http.StatusUnauthorized, http.StatusForbidden:
			ce.Kind = ErrorKindCredentialInvalid
			return ce
		case http.StatusNotFound:
			ce.Kind = ErrorKindNotFound
			return ce
		}
	}
	if err == nil {
		return ce
	}
	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "invalid", "expired", "unauthorized", "forbidden", "credential"):
		ce.Kind = ErrorKindCredentialInvalid
	case containsAny(msg, "not found", "notfound"):
		ce.Kind = ErrorKindNotFound
	}
	return ce
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

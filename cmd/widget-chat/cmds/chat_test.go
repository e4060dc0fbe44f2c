package cmds

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/atotto/clipboard"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/widgetchat/pkg/config"
	"github.com/go-go-golems/widgetchat/pkg/echobackend"
	"github.com/go-go-golems/widgetchat/pkg/persistence/kvstore"
	"github.com/go-go-golems/widgetchat/pkg/redisstream"
	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

type syncBuffer struct {
	mu sync.Mutex
	b  bytes.Buffer
}

func (s *syncBuffer) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.Write(p)
}

func (s *syncBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.b.String()
}

func newEchoServer(t *testing.T) string {
	t.Helper()
	ps, err := redisstream.BuildPubSub(redisstream.Settings{})
	require.NoError(t, err)
	srv, err := echobackend.NewServer(echobackend.Config{
		Tenants: []echobackend.Tenant{{
			ChatbotID:      "demo",
			WidgetKeys:     []string{"demo-key"},
			WelcomeMessage: "Welcome!",
		}},
	}, ps)
	require.NoError(t, err)
	hs := httptest.NewServer(srv.Handler())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Close()
		_ = ps.Close()
	})
	return "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

var replyID = regexp.MustCompile(`You said: hello  \[([^\]]+)\]`)

func testApp(url string) *App {
	s := config.Default()
	s.Transport.URL = url
	s.Transport.Reconnect.Enabled = false
	s.Transport.PingInterval = 0
	s.Store.Backend = kvstore.BackendMemory
	return &App{Settings: s}
}

func TestChatAgainstEchoBackend(t *testing.T) {
	app := testApp(newEchoServer(t))

	in, stdin := io.Pipe()
	t.Cleanup(func() { _ = stdin.Close() })
	out := &syncBuffer{}

	done := make(chan error, 1)
	go func() { done <- runChat(context.Background(), app, false, in, out) }()

	contains := func(s string) func() bool {
		return func() bool { return strings.Contains(out.String(), s) }
	}
	require.Eventually(t, contains("-- joined"), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, contains("assistant: Welcome!"), 3*time.Second, 10*time.Millisecond)

	_, err := io.WriteString(stdin, "hello\n")
	require.NoError(t, err)
	require.Eventually(t, contains("you: hello"), 3*time.Second, 10*time.Millisecond)
	require.Eventually(t, contains("You said: hello"), 3*time.Second, 10*time.Millisecond)

	copied := make(chan string, 1)
	writeClipboard = func(s string) error {
		copied <- s
		return nil
	}
	t.Cleanup(func() { writeClipboard = clipboard.WriteAll })
	require.Eventually(t, func() bool {
		return replyID.MatchString(out.String())
	}, 3*time.Second, 10*time.Millisecond)
	id := replyID.FindStringSubmatch(out.String())[1]
	_, err = io.WriteString(stdin, "/copy "+id+"\n")
	require.NoError(t, err)
	select {
	case got := <-copied:
		require.Equal(t, "You said: hello", got)
	case <-time.After(3 * time.Second):
		t.Fatal("reply never copied")
	}

	_, err = io.WriteString(stdin, "/copy nope\n")
	require.NoError(t, err)
	require.Eventually(t, contains(`!! no message "nope"`), 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(stdin, "/bogus\n")
	require.NoError(t, err)
	require.Eventually(t, contains("!! unknown command /bogus"), 3*time.Second, 10*time.Millisecond)

	_, err = io.WriteString(stdin, "/quit\n")
	require.NoError(t, err)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("chat did not exit on /quit")
	}
}

func TestMessageContent(t *testing.T) {
	snap := widgetchat.Snapshot{Messages: []widgetchat.ChatMessage{
		{ID: "m-1", Content: "first"},
		{ID: "m-2", Content: "second"},
	}}
	content, ok := messageContent(snap, "m-2")
	require.True(t, ok)
	require.Equal(t, "second", content)
	_, ok = messageContent(snap, "m-3")
	require.False(t, ok)
}

func TestPrinterTranscript(t *testing.T) {
	var out bytes.Buffer
	p := newPrinter(&out)
	welcome := widgetchat.ChatMessage{ID: "welcome-1", Content: "Hi", Sender: widgetchat.SenderAssistant}
	user := widgetchat.ChatMessage{ID: "m-1", Content: "ping", Sender: widgetchat.SenderUser}

	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{welcome}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{
		welcome,
		{ID: "tmp-1", Content: "ping", Sender: widgetchat.SenderUser, Provisional: true},
	}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{
		welcome, user,
		{ID: "tmp-2", Content: "po", Sender: widgetchat.SenderAssistant, Provisional: true},
	}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{
		welcome, user,
		{ID: "tmp-2", Content: "pong", Sender: widgetchat.SenderAssistant, Provisional: true},
	}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{
		welcome, user,
		{ID: "m-2", Content: "pong", Sender: widgetchat.SenderAssistant},
	}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateJoined, Messages: []widgetchat.ChatMessage{
		welcome, user,
		{ID: "m-2", Content: "pong", Sender: widgetchat.SenderAssistant, Reactions: &widgetchat.Reactions{Liked: true}},
	}})
	p.render(widgetchat.Snapshot{State: widgetchat.StateDisconnected, Banner: "Unable to reach the chat service."})

	require.Equal(t, strings.Join([]string{
		"-- joined",
		"assistant: Hi  [welcome-1]",
		"you: ping  [m-1]",
		"assistant: pong  [m-2]",
		"  [m-2] liked",
		"-- disconnected",
		"!! Unable to reach the chat service.",
		"",
	}, "\n"), out.String())
}

package echobackend

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/stretchr/testify/require"
)

type stubSubscriber struct {
	ch chan *message.Message
}

func (s *stubSubscriber) Subscribe(_ context.Context, _ string) (<-chan *message.Message, error) {
	return s.ch, nil
}

func (s *stubSubscriber) Close() error {
	close(s.ch)
	return nil
}

func TestStreamCoordinator_DeliversFramesInOrder(t *testing.T) {
	ch := make(chan *message.Message, 3)
	sub := &stubSubscriber{ch: ch}
	frames := make(chan string, 3)

	sc := NewStreamCoordinator("c1", sub, func(frame []byte) {
		frames <- string(frame)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, sc.Start(ctx))
	require.True(t, sc.IsRunning())
	require.NoError(t, sc.Start(ctx), "starting twice is a no-op")

	want := []string{
		`{"event":"stream-chunk","data":{"chunk":"a"}}`,
		`{"event":"stream-chunk","data":{"chunk":"b"}}`,
		`{"event":"stream-complete"}`,
	}
	for i, f := range want {
		ch <- message.NewMessage(string(rune('1'+i)), []byte(f))
	}
	close(ch)

	for _, f := range want {
		select {
		case got := <-frames:
			require.Equal(t, f, got)
		case <-time.After(2 * time.Second):
			t.Fatal("timeout waiting for stream coordinator")
		}
	}
	require.Eventually(t, func() bool { return !sc.IsRunning() }, time.Second, 10*time.Millisecond)
}

func TestStreamCoordinator_SkipsUndecodableFrames(t *testing.T) {
	ch := make(chan *message.Message, 2)
	sub := &stubSubscriber{ch: ch}
	frames := make(chan string, 2)

	sc := NewStreamCoordinator("c1", sub, func(frame []byte) {
		frames <- string(frame)
	})
	require.NoError(t, sc.Start(context.Background()))

	ch <- message.NewMessage("1", []byte(`{"event":"bogus"}`))
	ch <- message.NewMessage("2", []byte(`{"event":"stream-chunk","data":{"chunk":"a"}}`))
	close(ch)

	select {
	case got := <-frames:
		require.Equal(t, `{"event":"stream-chunk","data":{"chunk":"a"}}`, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for frame")
	}
	require.Len(t, frames, 0)
}

func TestStreamCoordinator_StopEndsRun(t *testing.T) {
	sub := &stubSubscriber{ch: make(chan *message.Message)}
	t.Cleanup(func() { _ = sub.Close() })
	sc := NewStreamCoordinator("c1", sub, nil)
	require.NoError(t, sc.Start(context.Background()))
	require.True(t, sc.IsRunning())
	sc.Stop()
	require.False(t, sc.IsRunning())

	var nilCoord *StreamCoordinator
	require.False(t, nilCoord.IsRunning())
	nilCoord.Stop()
}

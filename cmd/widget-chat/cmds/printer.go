package cmds

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/go-go-golems/widgetchat/pkg/widgetchat"
)

// printer renders session snapshots as an append-only transcript. Durable messages print once
// with their id, so they can be referenced by /like and friends; a streaming reply prints its
// chunks as they arrive.
type printer struct {
	out io.Writer

	mu        sync.Mutex
	seen      map[string]bool
	reactions map[string]widgetchat.Reactions
	state     widgetchat.State
	banner    string
	streamID  string
	streamed  string
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:       out,
		seen:      map[string]bool{},
		reactions: map[string]widgetchat.Reactions{},
	}
}

func label(m widgetchat.ChatMessage) string {
	switch m.Sender {
	case widgetchat.SenderUser:
		return "you"
	case widgetchat.SenderSystem:
		return "*"
	default:
		return string(m.Sender)
	}
}

func (p *printer) render(s widgetchat.Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if s.State != p.state {
		p.breakStream()
		p.printf("-- %s\n", s.State)
		p.state = s.State
	}
	if s.Banner != p.banner {
		if s.Banner != "" {
			p.breakStream()
			p.printf("!! %s\n", s.Banner)
		}
		p.banner = s.Banner
	}

	streaming := ""
	for _, m := range s.Messages {
		if m.Provisional && m.Sender != widgetchat.SenderUser {
			streaming = m.ID
		}
	}

	for _, m := range s.Messages {
		if m.Provisional {
			continue
		}
		if p.seen[m.ID] {
			p.renderReactions(m)
			continue
		}
		p.seen[m.ID] = true
		if p.streamID != "" && streaming != p.streamID && m.Content == p.streamed {
			p.printf("  [%s]\n", m.ID)
			p.streamID, p.streamed = "", ""
			continue
		}
		p.breakStream()
		p.printf("%s: %s  [%s]\n", label(m), m.Content, m.ID)
	}

	for _, m := range s.Messages {
		if m.ID != streaming || streaming == "" {
			continue
		}
		if streaming != p.streamID {
			p.breakStream()
			p.streamID, p.streamed = streaming, ""
			p.printf("%s: ", label(m))
		}
		if strings.HasPrefix(m.Content, p.streamed) {
			p.printf("%s", m.Content[len(p.streamed):])
		}
		p.streamed = m.Content
	}
}

func (p *printer) renderReactions(m widgetchat.ChatMessage) {
	var r widgetchat.Reactions
	if m.Reactions != nil {
		r = *m.Reactions
	}
	if p.reactions[m.ID] == r {
		return
	}
	p.reactions[m.ID] = r
	p.breakStream()
	switch {
	case r.Liked:
		p.printf("  [%s] liked\n", m.ID)
	case r.Disliked:
		p.printf("  [%s] disliked\n", m.ID)
	default:
		p.printf("  [%s] reaction cleared\n", m.ID)
	}
}

// breakStream ends a partially printed streaming line.
func (p *printer) breakStream() {
	if p.streamID == "" {
		return
	}
	p.printf("\n")
	p.streamID, p.streamed = "", ""
}

func (p *printer) printf(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(p.out, format, args...)
}

package chatrunner

import (
	"strings"
	"sync"

	"github.com/go-go-golems/tutorchat/pkg/chatstate"
)

// printer writes state changes to the session output. Appended messages are
// printed as they arrive; a state whose messages no longer extend what was
// printed, or that switches conversation, is printed from the start.
type printer struct {
	cs *ChatSession

	mu     sync.Mutex
	shown  []string
	active string
}

func newPrinter(cs *ChatSession) *printer {
	return &printer{cs: cs}
}

func (p *printer) render(st chatstate.State) {
	p.mu.Lock()
	defer p.mu.Unlock()

	msgs := st.Messages
	start := len(p.shown)
	switched := st.ActiveConversationID != "" && st.ActiveConversationID != p.active
	if switched || !p.extends(msgs) {
		start = 0
		header := "new conversation"
		if st.ActiveConversationID != "" {
			header = "conversation " + st.ActiveConversationID
		}
		if len(p.shown) > 0 || st.ActiveConversationID != "" {
			p.cs.println(p.cs.styles.Dim.Render("── " + header + " ──"))
		}
	}
	for _, m := range msgs[start:] {
		p.cs.println(p.cs.styles.Label(m.Kind) + " " + strings.TrimSpace(m.Text))
	}

	p.active = st.ActiveConversationID
	p.shown = p.shown[:0]
	for _, m := range msgs {
		p.shown = append(p.shown, m.ID)
	}
}

func (p *printer) extends(msgs []chatstate.Message) bool {
	if len(p.shown) > len(msgs) {
		return false
	}
	for i, id := range p.shown {
		if msgs[i].ID != id {
			return false
		}
	}
	return true
}

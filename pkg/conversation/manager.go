// Package conversation produces the shop assistant's replies and detects
// when the customer wants to order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/xayed7x/smartorderAI/pkg/catalog"
	"github.com/xayed7x/smartorderAI/pkg/llm"
)

// Turn roles. System turns are controller notices; they are kept in the
// transcript but never sent to the model.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// IntentMarker is the control token the persona instruction asks the model to
// append when the customer wants to buy.
const IntentMarker = "[INTENT:COLLECT_INFO]"

// ErrEmptyMessage is returned for a blank user message.
var ErrEmptyMessage = errors.New("conversation: empty user message")

// Turn is one transcript entry.
type Turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Intent is the structured signal carried alongside a reply.
type Intent int

const (
	IntentNone Intent = iota
	IntentCollectInfo
)

// String returns the wire name used by the chat route.
func (i Intent) String() string {
	if i == IntentCollectInfo {
		return "COLLECT_INFO"
	}
	return ""
}

// Reply is the assistant's answer with the control marker already removed.
type Reply struct {
	Text   string
	Intent Intent
}

// Manager calls the model once per user message.
type Manager struct {
	client  llm.Client
	persona *Persona
	logger  *slog.Logger
}

// NewManager builds a manager. A nil persona selects the default.
func NewManager(client llm.Client, persona *Persona) *Manager {
	if persona == nil {
		persona = DefaultPersona()
	}
	return &Manager{
		client:  client,
		persona: persona,
		logger:  slog.Default().With("component", "conversation"),
	}
}

// Persona returns the persona in use.
func (m *Manager) Persona() *Persona {
	return m.persona
}

// Respond produces the next assistant reply. active may be nil.
func (m *Manager) Respond(ctx context.Context, active *catalog.Product, history []Turn, msg string) (Reply, error) {
	if strings.TrimSpace(msg) == "" {
		return Reply{}, ErrEmptyMessage
	}

	resp, err := m.client.Chat(ctx, m.buildMessages(active, history, msg), nil)
	if err != nil {
		return Reply{}, fmt.Errorf("conversation: respond: %w", err)
	}

	reply := ParseReply(resp.Content)
	m.logger.DebugContext(ctx, "reply generated",
		"model", resp.Model,
		"intent", reply.Intent.String(),
		"has_product", active != nil,
	)
	return reply, nil
}

// buildMessages lays out the exchange: instruction as the first user turn,
// the seeded preamble, prior history without system turns, then msg.
func (m *Manager) buildMessages(active *catalog.Product, history []Turn, msg string) []llm.Message {
	msgs := make([]llm.Message, 0, len(history)+3)
	msgs = append(msgs,
		llm.Text(llm.RoleUser, m.persona.Instruction+"\n\n"+m.productContext(active)),
		llm.Text(llm.RoleAssistant, m.persona.Preamble),
	)
	for _, t := range history {
		switch t.Role {
		case RoleUser:
			msgs = append(msgs, llm.Text(llm.RoleUser, t.Text))
		case RoleAssistant:
			msgs = append(msgs, llm.Text(llm.RoleAssistant, t.Text))
		}
	}
	return append(msgs, llm.Text(llm.RoleUser, msg))
}

func (m *Manager) productContext(p *catalog.Product) string {
	if p == nil {
		return m.persona.NoProduct
	}
	return fmt.Sprintf("You are currently discussing this product:\n- Name: %s\n- Price: %s BDT\n- In Stock: %d units",
		p.Name, FormatPrice(p.Price), p.Stock)
}

// FormatPrice renders a price without trailing zero decimals.
func FormatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// ParseReply strips every occurrence of the control marker and reports
// whether one was present.
func ParseReply(raw string) Reply {
	r := Reply{Text: raw}
	if strings.Contains(raw, IntentMarker) {
		r.Intent = IntentCollectInfo
		r.Text = strings.ReplaceAll(raw, IntentMarker, "")
	}
	r.Text = strings.TrimSpace(r.Text)
	return r
}

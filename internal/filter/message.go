package filter

import (
	"strings"
	"time"

	"github.com/yinz628/email-filter-sub004/internal/rules"
)

// Message is one inbound mail event as posted by the webhook caller. Scope
// partitions rule sets and cache entries per tenant or mailbox; the empty
// scope is the global partition.
type Message struct {
	ID         string            `json:"id"`
	Sender     string            `json:"sender"`
	Recipient  string            `json:"recipient"`
	Subject    string            `json:"subject"`
	Scope      string            `json:"scope,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
	Size       int               `json:"size"`
	ReceivedAt time.Time         `json:"receivedAt"`
}

// activation builds the CEL variable bindings for evaluating rule conditions
// against this message. Header names are lowercased so conditions match them
// case-insensitively.
func (m Message) activation(now time.Time) map[string]any {
	headers := make(map[string]any, len(m.Headers))
	for name, value := range m.Headers {
		headers[strings.ToLower(name)] = value
	}
	return map[string]any{
		"message": map[string]any{
			"id":        m.ID,
			"sender":    m.Sender,
			"recipient": m.Recipient,
			"subject":   m.Subject,
			"scope":     m.Scope,
			"headers":   headers,
			"size":      m.Size,
		},
		"now": now.UTC(),
	}
}

// taskPayload flattens a message and its decision into the side-effect task
// payload. The keys double as the template context for alert rendering, so
// they stay camelCase.
func taskPayload(msg Message, d Decision) map[string]any {
	return map[string]any{
		"messageId":  msg.ID,
		"scope":      msg.Scope,
		"sender":     msg.Sender,
		"recipient":  msg.Recipient,
		"subject":    msg.Subject,
		"size":       msg.Size,
		"receivedAt": msg.ReceivedAt,
		"action":     string(d.Action),
		"rule":       d.RuleID,
		"reason":     d.Reason,
		"fromCache":  d.FromCache,
	}
}

// Decision is the verdict returned to the webhook caller.
type Decision struct {
	Action    rules.Action `json:"action"`
	RuleID    string       `json:"ruleId,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	FromCache bool         `json:"fromCache"`
	LatencyMS int64        `json:"latencyMs"`
}

package wire

import "encoding/json"

// Scope narrows who a subscription or published event applies to.
type Scope string

const (
	ScopeAll    Scope = "all"
	ScopeTenant Scope = "tenant"
	ScopeUser   Scope = "user"
	ScopeFlow   Scope = "flow"
)

// Valid reports whether s is a known scope value.
func (s Scope) Valid() bool {
	switch s {
	case ScopeAll, ScopeTenant, ScopeUser, ScopeFlow:
		return true
	}
	return false
}

// Metadata keys with protocol meaning.
const (
	MetaScope    = "scope"
	MetaTargetID = "targetId"
)

// Well-known event types pushed by the hub.
const (
	EventFlowStarted   = "flow_execution_started"
	EventFlowProgress  = "flow_execution_progress"
	EventFlowCompleted = "flow_execution_completed"
	EventFlowFailed    = "flow_execution_failed"
	EventAgentStatus   = "agent_status_changed"
	EventToolUpdated   = "tool_updated"
	EventPromptUpdated = "prompt_template_updated"
	EventBillingUsage  = "billing_usage_updated"
	EventNotification  = "notification"
)

// SubscribePayload is the body of subscribe and unsubscribe envelopes.
type SubscribePayload struct {
	Event    string `json:"eventType"`
	Scope    Scope  `json:"scope,omitempty"`
	TargetID string `json:"targetId,omitempty"`
}

// SubscribeAckPayload is the body of subscription_confirmed and
// subscription_error envelopes. Code and Reason are set on errors.
type SubscribeAckPayload struct {
	Event  string `json:"eventType"`
	Code   string `json:"code,omitempty"`
	Reason string `json:"reason,omitempty"`
}

// TargetIDs extracts execution and resource identifiers from an event
// payload, when present. Used to route envelopes to identifier-scoped
// listeners.
func (e *Envelope) TargetIDs() []string {
	if len(e.Payload) == 0 {
		return nil
	}
	var ref struct {
		ExecutionID string `json:"executionId"`
		ResourceID  string `json:"resourceId"`
		FlowID      string `json:"flowId"`
	}
	if err := json.Unmarshal(e.Payload, &ref); err != nil {
		return nil
	}
	var ids []string
	for _, id := range []string{ref.ExecutionID, ref.ResourceID, ref.FlowID} {
		if id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

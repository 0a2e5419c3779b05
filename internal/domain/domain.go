package domain

import "time"

// State names a collection of records. A record's state is the collection holding it.
type State string

const (
	StateIntake          State = "intake"
	StateNeedsAction     State = "needs_action"
	StatePendingApproval State = "pending_approval"
	StateApproved        State = "approved"
	StateRejected        State = "rejected"
	StateDone            State = "done"
)

// Lifecycle lists states in forward order.
var Lifecycle = []State{
	StateIntake,
	StateNeedsAction,
	StatePendingApproval,
	StateApproved,
	StateRejected,
	StateDone,
}

// Rank returns the position of s in Lifecycle, or -1.
func (s State) Rank() int {
	for i, st := range Lifecycle {
		if st == s {
			return i
		}
	}
	return -1
}

func (s State) Valid() bool { return s.Rank() >= 0 }

// ParseState accepts the canonical names plus the folder spellings humans use.
func ParseState(v string) (State, bool) {
	switch v {
	case "intake", "Intake", "inbox_intake":
		return StateIntake, true
	case "needs_action", "needs-action", "Needs_Action":
		return StateNeedsAction, true
	case "pending_approval", "pending-approval", "pending", "Pending_Approval":
		return StatePendingApproval, true
	case "approved", "Approved":
		return StateApproved, true
	case "rejected", "Rejected":
		return StateRejected, true
	case "done", "Done":
		return StateDone, true
	}
	return "", false
}

type Kind string

const (
	KindDocument    Kind = "document"
	KindEmail       Kind = "email"
	KindChatMessage Kind = "chat-message"
	KindUnknown     Kind = "unknown"
)

type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

type Category string

const (
	CategoryDocument Category = "document"
	CategoryEmail    Category = "email"
	CategoryMessage  Category = "message"
	CategoryGeneral  Category = "general"
)

// ActionType is both the classification verdict and the executable action kind.
type ActionType string

const (
	ActionArchive         ActionType = "archive"
	ActionReplyEmail      ActionType = "reply-email"
	ActionSendEmail       ActionType = "send-email"
	ActionSendMessage     ActionType = "send-message"
	ActionProcessPayment  ActionType = "process-payment"
	ActionScheduleMeeting ActionType = "schedule-meeting"
	ActionUnknown         ActionType = "unknown"
)

// Executable maps a classification action onto the action a backend performs.
func (a ActionType) Executable() ActionType {
	if a == ActionReplyEmail {
		return ActionSendEmail
	}
	return a
}

// Record is one unit of work tracked by the workflow.
type Record struct {
	Key        string    `json:"key"`
	State      State     `json:"state"`
	Kind       Kind      `json:"kind"`
	Origin     string    `json:"origin,omitempty"`
	Subject    string    `json:"subject,omitempty"`
	Priority   Priority  `json:"priority"`
	Body       string    `json:"body"`
	Content    string    `json:"-"`
	PayloadRef string    `json:"payload_ref,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Decision is the output of the classification rule table.
type Decision struct {
	Category         Category   `json:"category"`
	Priority         Priority   `json:"priority"`
	Action           ActionType `json:"action"`
	RequiresApproval bool       `json:"requires_approval"`
	Rule             string     `json:"rule,omitempty"`
}

// ActionDescriptor is what the dispatcher executes. It is never mutated after creation.
type ActionDescriptor struct {
	Type          ActionType `json:"action_type"`
	RawAction     string     `json:"raw_action,omitempty"`
	Recipient     string     `json:"recipient,omitempty"`
	Subject       string     `json:"subject,omitempty"`
	Body          string     `json:"body,omitempty"`
	AttachmentRef string     `json:"attachment_ref,omitempty"`
	CC            string     `json:"cc,omitempty"`
	SourcePlan    string     `json:"source_plan,omitempty"`
	SourceKey     string     `json:"source_key,omitempty"`
	Priority      Priority   `json:"priority,omitempty"`
}

// Outcome is the result of executing an ActionDescriptor.
type Outcome struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	ExternalID string `json:"external_id,omitempty"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	Key     string `json:"key,omitempty"`
	State   string `json:"state,omitempty"`
	ActorID string `json:"actor_id"`
	Payload string `json:"payload_json"`
}

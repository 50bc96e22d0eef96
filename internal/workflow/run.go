package workflow

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrRunNotFound = errors.New("workflow: run not found")
	ErrRunTerminal = errors.New("workflow: run is terminal")
	ErrRunActive   = errors.New("workflow: run is still active")
	ErrInvalidRun  = errors.New("workflow: invalid input")
)

// Step names the active step of a run.
type Step string

const (
	StepInvite  Step = "invite"
	StepWait    Step = "wait"
	StepCollect Step = "collect"
)

// State is the lifecycle state of a run.
type State string

const (
	StateRunning   State = "running"
	StateWaiting   State = "waiting"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
)

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

type transition struct {
	from, to State
}

var validTransitions = map[transition]bool{
	{StateRunning, StateWaiting}:   true,
	{StateRunning, StateCompleted}: true,
	{StateRunning, StateFailed}:    true,
	{StateRunning, StateCancelled}: true,
	{StateWaiting, StateRunning}:   true,
	{StateWaiting, StateCancelled}: true,
}

// CanTransition reports whether a run may move from one state to another.
func CanTransition(from, to State) bool { return validTransitions[transition{from, to}] }

// Input is what a run is started with.
type Input struct {
	ChannelID    string        `json:"channelId"`
	WaitDuration time.Duration `json:"waitDuration"`
	BotTokenName string        `json:"botTokenName,omitempty"`
	SecretRegion string        `json:"secretRegion,omitempty"`
}

func (in Input) validate() error {
	if in.ChannelID == "" {
		return fmt.Errorf("%w: channel id is required", ErrInvalidRun)
	}
	if in.WaitDuration <= 0 {
		return fmt.Errorf("%w: wait duration must be positive", ErrInvalidRun)
	}
	return nil
}

// InviteOutput is the persisted result of the invite step.
type InviteOutput struct {
	// MessageTS identifies the invitation message whose reactions are
	// collected.
	MessageTS string    `json:"messageTs"`
	SentAt    time.Time `json:"sentAt"`
}

// Pair is one giver/receiver assignment.
type Pair struct {
	Giver    string `json:"giver"`
	Receiver string `json:"receiver"`
}

// CollectOutput is the persisted result of the collect step.
type CollectOutput struct {
	Participants int      `json:"participants"`
	Pairs        []Pair   `json:"pairs,omitempty"`
	MessageIDs   []string `json:"messageIds,omitempty"`
}

// Run is the durable record of one workflow execution.
type Run struct {
	ID      string         `json:"id"`
	Step    Step           `json:"step"`
	State   State          `json:"state"`
	Input   Input          `json:"input"`
	Invite  *InviteOutput  `json:"invite,omitempty"`
	Collect *CollectOutput `json:"collect,omitempty"`
	// WaitDeadline is set when the run enters the wait step.
	WaitDeadline time.Time `json:"waitDeadline,omitempty"`
	Error        string    `json:"error,omitempty"`
	// RetriggeredFrom names the run this one was manually restarted from.
	RetriggeredFrom string `json:"retriggeredFrom,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	InvitedAt   *time.Time `json:"invitedAt,omitempty"`
	CollectedAt *time.Time `json:"collectedAt,omitempty"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
}

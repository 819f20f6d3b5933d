package coordinator

import (
	"fmt"
	"time"

	"swarm/pkg/protocol"
)

// Task is one unit of work in the swarm. Public fields are set by the
// submitter; everything below the marker is mutated only by the coordinator
// loop under its lock.
type Task struct {
	ID           string        `json:"id"`
	Goal         string        `json:"goal"`
	Argv         []string      `json:"argv,omitempty"`
	Dependencies []string      `json:"dependencies,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	Priority     int           `json:"priority"`
	MaxRetries   int           `json:"max_retries"`
	Timeout      time.Duration `json:"timeout,omitempty"`

	// TolerateFailure keeps this task schedulable when a dependency fails:
	// the failed dependency is treated as satisfied instead of cascading.
	TolerateFailure bool `json:"tolerate_failure,omitempty"`

	// Coordinator-owned state.
	State         protocol.TaskState `json:"state"`
	AssignedAgent string             `json:"assigned_agent,omitempty"`
	RetryCount    int                `json:"retry_count"`
	ErrorCode     string             `json:"error_code,omitempty"`
	CreatedAt     time.Time          `json:"created_at"`
	StartedAt     time.Time          `json:"started_at,omitempty"`
	CompletedAt   time.Time          `json:"completed_at,omitempty"`

	// notBefore gates re-promotion to Ready during retry backoff.
	notBefore time.Time

	// queued marks a Ready task parked in an agent backlog, so a tick does
	// not enqueue it again.
	queued bool
}

// validTransitions is the task state machine. Retry is the one path out of
// Failed, back to Pending while the retry budget lasts.
var validTransitions = map[protocol.TaskState][]protocol.TaskState{
	protocol.TaskPending:   {protocol.TaskReady, protocol.TaskCancelled, protocol.TaskFailed},
	protocol.TaskReady:     {protocol.TaskRunning, protocol.TaskCancelled, protocol.TaskFailed},
	protocol.TaskRunning:   {protocol.TaskCompleted, protocol.TaskFailed, protocol.TaskCancelled},
	protocol.TaskFailed:    {protocol.TaskPending},
	protocol.TaskCompleted: {},
	protocol.TaskCancelled: {},
}

// transition moves the task to a new state, enforcing the state machine.
func (t *Task) transition(to protocol.TaskState) error {
	for _, allowed := range validTransitions[t.State] {
		if allowed == to {
			t.State = to
			return nil
		}
	}
	return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.State, to)
}

// clone returns a copy safe to hand outside the coordinator lock.
func (t *Task) clone() Task {
	out := *t
	out.Argv = append([]string(nil), t.Argv...)
	out.Dependencies = append([]string(nil), t.Dependencies...)
	out.Capabilities = append([]string(nil), t.Capabilities...)
	return out
}

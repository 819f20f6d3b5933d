// Package protocol defines the wire contract shared by the coordinator,
// agents, and tools: request/response framing with correlation ids, the
// closed task/agent/memory enumerations, the error taxonomy, and the SQLite
// schema for the durable event log. It also implements Client, the
// correlating async call layer used for every cross-process call.
package protocol

import (
	"encoding/json"
	"time"
)

// Request is a single outbound call. IDs are opaque strings unique per
// outstanding request.
type Request struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response correlates back to a Request by ID. Exactly one of Result or
// Error is set.
type Response struct {
	ID     string          `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the wire form of a call failure.
type ErrorObject struct {
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// --- Task states ---

// TaskState represents the lifecycle state of a task.
type TaskState string

// Task state constants.
const (
	TaskPending   TaskState = "pending"
	TaskReady     TaskState = "ready"
	TaskRunning   TaskState = "running"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Terminal reports whether the state is terminal. A failed task with retry
// budget left re-enters pending and is not terminal at that point.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// --- Agent states ---

// AgentState represents the state of a pooled agent.
type AgentState string

// Agent state constants.
const (
	AgentIdle       AgentState = "idle"
	AgentBusy       AgentState = "busy"
	AgentDraining   AgentState = "draining"
	AgentUnhealthy  AgentState = "unhealthy"
	AgentTerminated AgentState = "terminated"
)

// --- Memory entries ---

// MemoryKind classifies a memory entry.
type MemoryKind string

// Memory kind constants.
const (
	KindKnowledge     MemoryKind = "knowledge"
	KindResult        MemoryKind = "result"
	KindState         MemoryKind = "state"
	KindCommunication MemoryKind = "communication"
	KindError         MemoryKind = "error"
)

// Valid reports whether k is a member of the closed kind enumeration.
func (k MemoryKind) Valid() bool {
	switch k {
	case KindKnowledge, KindResult, KindState, KindCommunication, KindError:
		return true
	default:
		return false
	}
}

// ShareLevel controls memory entry visibility.
type ShareLevel string

// Share level constants.
const (
	SharePrivate ShareLevel = "private"
	ShareTeam    ShareLevel = "team"
	SharePublic  ShareLevel = "public"
)

// Valid reports whether l is a member of the closed share-level enumeration.
func (l ShareLevel) Valid() bool {
	switch l {
	case SharePrivate, ShareTeam, SharePublic:
		return true
	default:
		return false
	}
}

// MemoryEntry is an immutable shared-memory record. Updates create a new
// entry; written entries are never mutated in place.
type MemoryEntry struct {
	ID           string          `json:"id"`
	OwnerAgentID string          `json:"owner_agent_id"`
	Kind         MemoryKind      `json:"kind"`
	Content      json.RawMessage `json:"content"`
	ShareLevel   ShareLevel      `json:"share_level"`
	Priority     int             `json:"priority"`
	Timestamp    time.Time       `json:"timestamp"`
	TTL          time.Duration   `json:"ttl,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at time now.
// Entries without a TTL never expire.
func (e MemoryEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return now.After(e.Timestamp.Add(e.TTL))
}

// Size returns the entry's content size in bytes, used for cache byte
// accounting and the configured content bound.
func (e MemoryEntry) Size() int {
	return len(e.Content)
}

// --- Task execution payloads ---

// RunParams is the params payload of a "task.run" call to an agent process.
type RunParams struct {
	TaskID        string `json:"task_id"`
	Goal          string `json:"goal"`
	AgentID       string `json:"agent_id"`
	MemoryContext string `json:"memory_context,omitempty"`
}

// RunResult is the result payload of a completed "task.run" call. Entries
// carried here are written to the memory store by the coordinator's runner.
type RunResult struct {
	Output  string        `json:"output"`
	Entries []MemoryEntry `json:"entries,omitempty"`
}

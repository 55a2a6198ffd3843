package domain

import (
	"encoding/json"
	"time"
)

type Phase string

const (
	PhaseGenerating    Phase = "generating"
	PhaseWaiting       Phase = "waiting"
	PhaseExecutingTool Phase = "executing_tool"
	PhaseCompleted     Phase = "completed"
)

type CallMode string

const (
	CallModeSync  CallMode = "sync"
	CallModeAsync CallMode = "async"
)

type PushType string

const (
	PushInitialState     PushType = "initial_state"
	PushExecutionsUpdate PushType = "executions_update"
	PushRunningAgents    PushType = "running_agents"
	PushAgentUpdate      PushType = "agent_update"
	PushAgentCompleted   PushType = "agent_completed"
	PushError            PushType = "error"
	PushPing             PushType = "ping"
	PushPong             PushType = "pong"
)

type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleTool      MessageRole = "tool"
)

// ExecutionRecord is one run of an agent as reported by the backend.
type ExecutionRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	ParentID    *string    `json:"parent_id"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at"`
	Phase       Phase      `json:"phase"`
	IsRunning   bool       `json:"is_running"`
	ErrorCount  int        `json:"error_count"`
	CallMode    CallMode   `json:"call_mode,omitempty"`
}

func (r ExecutionRecord) IsRoot() bool {
	return r.ParentID == nil || *r.ParentID == ""
}

type ToolCall struct {
	ID          string          `json:"id"`
	ExecutionID string          `json:"execution_id"`
	ToolName    string          `json:"tool_name"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	CallMode    CallMode        `json:"call_mode"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at"`
	Result      string          `json:"result,omitempty"`
	Failed      bool            `json:"failed"`
	IsRunning   bool            `json:"is_running"`
}

// ExecutionTree is the nested subtree view of an execution.
type ExecutionTree struct {
	ExecutionRecord
	Children []ExecutionTree `json:"children"`
	Tools    []ToolCall      `json:"tools"`
}

type Message struct {
	Seq       int         `json:"seq"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	ToolName  string      `json:"tool_name,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// ExecutionLog is the transcript of one execution.
type ExecutionLog struct {
	ExecutionID     string     `json:"execution_id"`
	Name            string     `json:"name"`
	ParentID        *string    `json:"parent_id"`
	StartedAt       time.Time  `json:"started_at"`
	CompletedAt     *time.Time `json:"completed_at"`
	FinalResponse   string     `json:"final_response,omitempty"`
	TotalIterations int        `json:"total_iterations"`
	Messages        []Message  `json:"messages"`
}

func (l ExecutionLog) IsRunning() bool {
	return l.CompletedAt == nil
}

type RunningAgent struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Phase Phase  `json:"phase"`
}

// PushMessage is the envelope of every frame on the push channel.
type PushMessage struct {
	Type       PushType          `json:"type"`
	Revision   uint64            `json:"revision,omitempty"`
	Executions []ExecutionRecord `json:"executions,omitempty"`
	Count      int               `json:"count,omitempty"`
	Agents     []RunningAgent    `json:"agents,omitempty"`
	ID         string            `json:"id,omitempty"`
	Message    string            `json:"message,omitempty"`
}

type StartRequest struct {
	AgentName string `json:"agent_name"`
	Message   string `json:"message"`
}

type StartResponse struct {
	ID        string `json:"id"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
}

type StopResult struct {
	StoppedCount int      `json:"stopped_count"`
	IDs          []string `json:"ids"`
	Message      string   `json:"message,omitempty"`
}

// AgentDetail is an agent definition. Tools mixes tool names and agent
// names; callers disambiguate against the full agent-name set.
type AgentDetail struct {
	Name         string   `json:"name" yaml:"name"`
	Description  string   `json:"description" yaml:"description"`
	SystemPrompt string   `json:"system_prompt" yaml:"system_prompt"`
	Tools        []string `json:"tools" yaml:"tools"`
}

type ToolInfo struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"`
}

type ChangeKind string

const (
	ChangeExecutionStarted   ChangeKind = "execution_started"
	ChangeExecutionUpdated   ChangeKind = "execution_updated"
	ChangeExecutionCompleted ChangeKind = "execution_completed"
)

// ChangeEvent is published by the backend runner whenever an execution changes.
type ChangeEvent struct {
	Kind        ChangeKind `json:"kind"`
	ExecutionID string     `json:"execution_id"`
	At          time.Time  `json:"at"`
}

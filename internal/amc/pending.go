package amc

import (
	"encoding/json"
	"sync"
	"time"
)

// CommandState is the lifecycle state of a pending command.
type CommandState int

const (
	CommandNone CommandState = iota
	CommandStarted
	CommandOK
	CommandKO
)

func (s CommandState) String() string {
	switch s {
	case CommandNone:
		return "NONE"
	case CommandStarted:
		return "STARTED"
	case CommandOK:
		return "OK"
	case CommandKO:
		return "KO"
	default:
		return "UNKNOWN"
	}
}

// pendingCommand correlates one outgoing command with its asynchronous
// response. Created lazily per command key and reused across send cycles;
// owned exclusively by the pending table, callers only read snapshots.
type pendingCommand struct {
	key          string
	state        CommandState
	request      *Command
	requestTime  time.Time
	responseTime time.Time
	result       any
	err          error
	lastMessage  json.RawMessage
}

// pendingTable is the command/response correlator's bookkeeping. The
// receive loop is the only writer of response-side fields; callers read
// under the same lock.
type pendingTable struct {
	mu       sync.Mutex
	commands map[string]*pendingCommand
}

func newPendingTable() *pendingTable {
	return &pendingTable{commands: map[string]*pendingCommand{}}
}

func (t *pendingTable) get(key string) *pendingCommand {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[key]
	if !ok {
		cmd = &pendingCommand{key: key}
		t.commands[key] = cmd
	}
	return cmd
}

func (t *pendingTable) markStarted(key string, request *Command) *pendingCommand {
	cmd := t.get(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd.state = CommandStarted
	cmd.request = request
	cmd.requestTime = time.Now()
	cmd.responseTime = time.Time{}
	cmd.result = nil
	cmd.err = nil
	return cmd
}

func (t *pendingTable) setOK(key string, result any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmd, ok := t.commands[key]; ok {
		cmd.state = CommandOK
		cmd.result = result
		cmd.responseTime = time.Now()
	}
}

func (t *pendingTable) setKO(key string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cmd, ok := t.commands[key]; ok {
		cmd.state = CommandKO
		if err != nil {
			cmd.err = err
		}
		cmd.responseTime = time.Now()
	}
}

func (t *pendingTable) recordResponse(key string, payload []byte) {
	cmd := t.get(key)
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd.lastMessage = append(json.RawMessage(nil), payload...)
	cmd.responseTime = time.Now()
}

// status returns the current state, result and error of a command without
// exposing the command object itself.
func (t *pendingTable) status(key string) (CommandState, any, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cmd, ok := t.commands[key]
	if !ok {
		return CommandNone, nil, nil
	}
	return cmd.state, cmd.result, cmd.err
}

// failAllStarted forces every in-flight command to KO with the causal
// error. No command is left pending across a reconnect.
func (t *pendingTable) failAllStarted(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, cmd := range t.commands {
		if cmd.state == CommandStarted {
			cmd.state = CommandKO
			cmd.err = err
			cmd.responseTime = time.Now()
		}
	}
}

// startedSetStates returns the keys of in-flight setStates commands along
// with their requests, for effect confirmation after a recompute pass.
func (t *pendingTable) startedSetStates() map[string]*Command {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := map[string]*Command{}
	for key, cmd := range t.commands {
		if cmd.state == CommandStarted && cmd.request != nil && cmd.request.Command == CommandSetStates {
			out[key] = cmd.request
		}
	}
	return out
}

// CommandDiagnostic is a read-only snapshot of one correlator slot, exposed
// through the diagnostics accessor.
type CommandDiagnostic struct {
	Key          string          `json:"key"`
	State        string          `json:"state"`
	Request      *Command        `json:"request,omitempty"`
	RequestTime  time.Time       `json:"request_time,omitempty"`
	ResponseTime time.Time       `json:"response_time,omitempty"`
	Error        string          `json:"error,omitempty"`
	LastMessage  json.RawMessage `json:"last_message,omitempty"`
}

// redactedRequest copies a request with its credential fields blanked, so
// diagnostics dumps are safe to share.
func redactedRequest(req *Command) *Command {
	if req == nil {
		return nil
	}
	r := *req
	r.CentralPassword = ""
	r.UserPIN = ""
	r.Token = ""
	if r.Data != nil {
		r.Data = &Login{Email: r.Data.Email}
	}
	return &r
}

func (t *pendingTable) diagnostics() []CommandDiagnostic {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]CommandDiagnostic, 0, len(t.commands))
	for _, cmd := range t.commands {
		d := CommandDiagnostic{
			Key:          cmd.key,
			State:        cmd.state.String(),
			Request:      redactedRequest(cmd.request),
			RequestTime:  cmd.requestTime,
			ResponseTime: cmd.responseTime,
			LastMessage:  cmd.lastMessage,
		}
		if cmd.err != nil {
			d.Error = cmd.err.Error()
		}
		out = append(out, d)
	}
	return out
}

package runtime

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
	"github.com/lifeops/agentd/pkg/agentcli"
)

// SubprocessConfig configures the subprocess runner.
type SubprocessConfig struct {
	// Binary is the agent CLI executable.
	Binary string
	// WorkDir is the working directory for spawned agents.
	WorkDir string
	// ExtraArgs are appended to the CLI invocation.
	ExtraArgs []string
	// StderrMaxBytes bounds the stderr capture buffer. Defaults to 256KB.
	StderrMaxBytes int64
	// StopGrace is how long Cancel waits between SIGTERM and SIGKILL.
	// Defaults to 2s.
	StopGrace time.Duration
}

// SubprocessRunner runs agents as CLI subprocesses speaking stream-json on
// stdout and accepting JSON lines on stdin.
type SubprocessRunner struct {
	cfg    SubprocessConfig
	logger *logger.Logger
}

// NewSubprocessRunner creates a subprocess runner.
func NewSubprocessRunner(cfg SubprocessConfig, log *logger.Logger) *SubprocessRunner {
	if cfg.StderrMaxBytes <= 0 {
		cfg.StderrMaxBytes = 256 * 1024
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	return &SubprocessRunner{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "subprocess-runner")),
	}
}

// Start implements Runner. The prompt travels over stdin, never argv.
func (r *SubprocessRunner) Start(ctx context.Context, req Request) (Execution, error) {
	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if req.Model != "" {
		args = append(args, "--model", req.Model)
	}
	args = append(args, r.cfg.ExtraArgs...)

	cmd := exec.Command(r.cfg.Binary, args...)
	if r.cfg.WorkDir != "" {
		cmd.Dir = r.cfg.WorkDir
	}
	// New process group so Cancel can kill the whole subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, apperrors.SpawnFailure(err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperrors.SpawnFailure(err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, apperrors.SpawnFailure(err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperrors.SpawnFailure(err)
	}

	log := r.logger.WithSessionID(req.SessionID)
	e := &subprocessExecution{
		cmd:        cmd,
		client:     agentcli.NewClient(stdin, stdout, log),
		logger:     log,
		permission: req.Permission,
		stopGrace:  r.cfg.StopGrace,
		stderrBuf:  newTailBuffer(r.cfg.StderrMaxBytes),
		events:     make(chan Event, 256),
		procDone:   make(chan struct{}),
		toolNames:  make(map[string]string),
		denied:     make(map[string]bool),
	}

	e.client.SetMessageHandler(e.handleMessage)
	e.client.SetRequestHandler(e.handleControlRequest)
	e.client.SetRawHandler(e.handleRawLine)

	go e.captureStderr(stderr)
	readDone := e.client.Start(ctx)

	if err := e.client.SendUserMessage(req.Prompt); err != nil {
		e.killNow()
		return nil, apperrors.SpawnFailure(err)
	}

	go e.monitor(readDone)
	return e, nil
}

// subprocessExecution is one live agent subprocess.
type subprocessExecution struct {
	cmd        *exec.Cmd
	client     *agentcli.Client
	logger     *logger.Logger
	permission PermissionFunc
	stopGrace  time.Duration
	stderrBuf  *tailBuffer

	events   chan Event
	procDone chan struct{}

	cancelOnce  sync.Once
	resolveOnce sync.Once

	mu          sync.Mutex
	canceled    bool
	text        strings.Builder
	toolsUsed   []string
	toolNames   map[string]string // tool_use_id -> tool name
	denied      map[string]bool   // tool_use_id -> permission denied
	resultText  string
	resultErr   bool
	numTurns    int
	inTokens    int64
	outTokens   int64
	rateLimited bool
}

// Events implements Execution.
func (e *subprocessExecution) Events() <-chan Event {
	return e.events
}

// Send implements Execution.
func (e *subprocessExecution) Send(text string) error {
	return e.client.SendUserMessage(text)
}

// Cancel implements Execution. The first call interrupts the agent and
// escalates SIGTERM then SIGKILL; later calls do nothing.
func (e *subprocessExecution) Cancel() {
	e.cancelOnce.Do(func() {
		e.mu.Lock()
		e.canceled = true
		e.mu.Unlock()

		go func() {
			_ = e.client.Interrupt()
			select {
			case <-e.procDone:
				return
			case <-time.After(e.stopGrace):
			}
			e.signalGroup(syscall.SIGTERM)
			select {
			case <-e.procDone:
				return
			case <-time.After(e.stopGrace):
			}
			e.signalGroup(syscall.SIGKILL)
		}()
	})
}

func (e *subprocessExecution) killNow() {
	e.signalGroup(syscall.SIGKILL)
	_ = e.cmd.Wait()
}

func (e *subprocessExecution) signalGroup(sig syscall.Signal) {
	if e.cmd.Process == nil {
		return
	}
	pgid, err := syscall.Getpgid(e.cmd.Process.Pid)
	if err == nil {
		_ = syscall.Kill(-pgid, sig)
		return
	}
	_ = e.cmd.Process.Signal(sig)
}

func (e *subprocessExecution) captureStderr(r io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			e.stderrBuf.append(string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// monitor waits for stdout EOF and process exit, then resolves the terminal
// event exactly once.
func (e *subprocessExecution) monitor(readDone <-chan struct{}) {
	<-readDone
	waitErr := e.cmd.Wait()
	close(e.procDone)
	e.resolve(waitErr)
}

func (e *subprocessExecution) resolve(waitErr error) {
	e.resolveOnce.Do(func() {
		e.mu.Lock()
		canceled := e.canceled
		stderrTail := e.stderrBuf.tail()
		rateLimited := e.rateLimited || detectRateLimit(stderrTail)
		result := &Result{
			Text:         e.finalText(),
			ToolsUsed:    append([]string(nil), e.toolsUsed...),
			InputTokens:  e.inTokens,
			OutputTokens: e.outTokens,
			NumTurns:     e.numTurns,
			RateLimited:  rateLimited,
		}
		failed := e.resultErr
		resultText := e.resultText
		e.mu.Unlock()

		switch {
		case canceled:
			// Cancellation is an expected outcome, not a failure.
			e.events <- Event{Type: EventDone, Result: result}
		case rateLimited:
			msg := resultText
			if msg == "" {
				msg = stderrTail
			}
			e.events <- Event{Type: EventError, Err: apperrors.RateLimited(msg)}
		case failed || waitErr != nil:
			msg := resultText
			if msg == "" {
				msg = stderrTail
			}
			if msg == "" && waitErr != nil {
				msg = waitErr.Error()
			}
			e.events <- Event{Type: EventError, Err: apperrors.InternalError("agent exited with failure: "+msg, waitErr)}
		default:
			e.events <- Event{Type: EventDone, Result: result}
		}
		close(e.events)
	})
}

// finalText prefers the CLI's result text over the accumulated stream.
// Callers must hold e.mu.
func (e *subprocessExecution) finalText() string {
	if e.resultText != "" && !e.resultErr {
		return e.resultText
	}
	return e.text.String()
}

func (e *subprocessExecution) emit(ev Event) {
	select {
	case e.events <- ev:
	case <-e.procDone:
		// Resolution owns the channel from here.
	}
}

func (e *subprocessExecution) handleMessage(msg *agentcli.CLIMessage) {
	switch msg.Type {
	case agentcli.MessageTypeAssistant:
		e.handleAssistant(msg)
	case agentcli.MessageTypeUser:
		e.handleToolResults(msg)
	case agentcli.MessageTypeResult:
		e.handleResult(msg)
	}
}

func (e *subprocessExecution) handleAssistant(msg *agentcli.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		switch block.Type {
		case "text":
			e.mu.Lock()
			e.text.WriteString(block.Text)
			e.mu.Unlock()
			e.emit(Event{Type: EventText, Text: block.Text})
		case "thinking":
			e.emit(Event{Type: EventText, Text: block.Thinking})
		case "tool_use":
			e.mu.Lock()
			e.toolNames[block.ID] = block.Name
			gated := e.permission != nil
			if !gated {
				e.toolsUsed = append(e.toolsUsed, block.Name)
			}
			e.mu.Unlock()
			// With permission gating the tool_use event is emitted at
			// grant time, so denied calls are never recorded.
			if !gated {
				e.emit(Event{Type: EventToolUse, Tool: block.Name, Input: block.Input})
			}
		}
	}
	if msg.Message.Usage != nil {
		e.mu.Lock()
		e.inTokens += msg.Message.Usage.InputTokens
		e.outTokens += msg.Message.Usage.OutputTokens
		e.mu.Unlock()
	}
}

func (e *subprocessExecution) handleToolResults(msg *agentcli.CLIMessage) {
	if msg.Message == nil {
		return
	}
	for _, block := range msg.Message.Content {
		if block.Type != "tool_result" {
			continue
		}
		e.mu.Lock()
		denied := e.denied[block.ToolUseID]
		tool := e.toolNames[block.ToolUseID]
		e.mu.Unlock()
		if denied {
			// A blocked call leaves no trace of execution.
			continue
		}
		e.emit(Event{Type: EventToolResult, Tool: tool, Output: block.Content, IsError: block.IsError})
	}
}

func (e *subprocessExecution) handleResult(msg *agentcli.CLIMessage) {
	text := msg.GetResultString()
	if data := msg.GetResultData(); data != nil && data.Text != "" {
		text = data.Text
	}

	e.mu.Lock()
	e.resultText = text
	e.resultErr = msg.IsError
	if msg.NumTurns > 0 {
		e.numTurns = msg.NumTurns
	}
	if msg.TotalInputTokens > 0 {
		e.inTokens = msg.TotalInputTokens
	}
	if msg.TotalOutputTokens > 0 {
		e.outTokens = msg.TotalOutputTokens
	}
	if msg.IsError && detectRateLimit(text) {
		e.rateLimited = true
	}
	e.mu.Unlock()
}

// handleRawLine forwards unparseable output as plain text so nothing the
// agent printed is lost.
func (e *subprocessExecution) handleRawLine(line string) {
	e.mu.Lock()
	e.text.WriteString(line)
	if detectRateLimit(line) {
		e.rateLimited = true
	}
	e.mu.Unlock()
	e.emit(Event{Type: EventText, Text: line})
}

func (e *subprocessExecution) handleControlRequest(requestID string, req *agentcli.ControlRequest) {
	if req.Subtype != agentcli.SubtypeCanUseTool {
		_ = e.client.SendControlResponse(&agentcli.ControlResponseMessage{
			Type:      agentcli.MessageTypeControlResponse,
			RequestID: requestID,
			Response:  &agentcli.ControlResponse{Subtype: "success"},
		})
		return
	}

	decision := PermissionDecision{Allow: true}
	if e.permission != nil {
		decision = e.permission(req.ToolName, req.Input)
	}

	if decision.Allow {
		if e.permission != nil {
			e.mu.Lock()
			e.toolsUsed = append(e.toolsUsed, req.ToolName)
			if req.ToolUseID != "" {
				e.toolNames[req.ToolUseID] = req.ToolName
			}
			e.mu.Unlock()
			e.emit(Event{Type: EventToolUse, Tool: req.ToolName, Input: req.Input})
		}
		_ = e.client.SendControlResponse(&agentcli.ControlResponseMessage{
			Type:      agentcli.MessageTypeControlResponse,
			RequestID: requestID,
			Response: &agentcli.ControlResponse{
				Subtype: "success",
				Result:  &agentcli.PermissionResult{Behavior: agentcli.BehaviorAllow},
			},
		})
		return
	}

	e.mu.Lock()
	if req.ToolUseID != "" {
		e.denied[req.ToolUseID] = true
	}
	e.mu.Unlock()
	e.logger.Warn("tool call denied",
		zap.String("tool", req.ToolName),
		zap.String("reason", decision.Message))
	_ = e.client.SendControlResponse(&agentcli.ControlResponseMessage{
		Type:      agentcli.MessageTypeControlResponse,
		RequestID: requestID,
		Response: &agentcli.ControlResponse{
			Subtype: "success",
			Result: &agentcli.PermissionResult{
				Behavior: agentcli.BehaviorDeny,
				Message:  decision.Message,
			},
		},
	})
}

// tailBuffer keeps the most recent maxBytes of appended text. It prevents
// unbounded memory use when a subprocess floods stderr.
type tailBuffer struct {
	mu       sync.Mutex
	maxBytes int64
	size     int64
	chunks   []string
}

func newTailBuffer(maxBytes int64) *tailBuffer {
	if maxBytes <= 0 {
		maxBytes = 256 * 1024
	}
	return &tailBuffer{maxBytes: maxBytes}
}

func (b *tailBuffer) append(chunk string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.chunks = append(b.chunks, chunk)
	b.size += int64(len(chunk))
	for b.size > b.maxBytes && len(b.chunks) > 0 {
		b.size -= int64(len(b.chunks[0]))
		b.chunks = b.chunks[1:]
	}
}

func (b *tailBuffer) tail() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.chunks, "")
}

package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
	"github.com/lifeops/agentd/internal/common/logger"
)

// Snapshot is what the evaluator sees: the goal, the tail of accumulated
// output, the most recent tool calls, and the turn count.
type Snapshot struct {
	Goal        string
	OutputTail  string
	RecentTools []string
	TurnCount   int
}

// Evaluator judges an in-progress execution.
type Evaluator interface {
	Evaluate(ctx context.Context, snap Snapshot) (*Verdict, error)
}

// CLIEvaluatorConfig configures the subprocess evaluator.
type CLIEvaluatorConfig struct {
	// Binary is the evaluator CLI executable.
	Binary string
	// Model selects the secondary model profile.
	Model string
	// Timeout bounds one evaluation call. Defaults to 30s.
	Timeout time.Duration
}

// CLIEvaluator judges executions with a one-shot secondary model subprocess.
// The prompt travels over stdin; the verdict is the first JSON object found
// in stdout.
type CLIEvaluator struct {
	cfg    CLIEvaluatorConfig
	logger *logger.Logger
}

// NewCLIEvaluator creates a subprocess evaluator.
func NewCLIEvaluator(cfg CLIEvaluatorConfig, log *logger.Logger) *CLIEvaluator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &CLIEvaluator{
		cfg:    cfg,
		logger: log.WithFields(zap.String("component", "cli-evaluator")),
	}
}

// Evaluate implements Evaluator. Failures return EvaluatorUnavailable; the
// caller defaults to continue.
func (e *CLIEvaluator) Evaluate(ctx context.Context, snap Snapshot) (*Verdict, error) {
	evalCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	args := []string{"--print"}
	if e.cfg.Model != "" {
		args = append(args, "--model", e.cfg.Model)
	}

	cmd := exec.CommandContext(evalCtx, e.cfg.Binary, args...)
	cmd.Stdin = strings.NewReader(buildEvalPrompt(snap))

	out, err := cmd.Output()
	if err != nil {
		return nil, apperrors.EvaluatorUnavailable(err)
	}

	raw := extractJSON(string(out))
	if raw == "" {
		return nil, apperrors.EvaluatorUnavailable(fmt.Errorf("no JSON verdict in evaluator output"))
	}

	var verdict Verdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return nil, apperrors.EvaluatorUnavailable(err)
	}
	verdict.Decision = ParseDecision(string(verdict.Decision))
	return &verdict, nil
}

func buildEvalPrompt(snap Snapshot) string {
	var b strings.Builder
	b.WriteString("You supervise an autonomous coding agent. Judge its progress.\n\n")
	b.WriteString("Goal:\n")
	b.WriteString(snap.Goal)
	b.WriteString("\n\nTurn count: ")
	fmt.Fprintf(&b, "%d", snap.TurnCount)
	if len(snap.RecentTools) > 0 {
		b.WriteString("\nRecent tools: ")
		b.WriteString(strings.Join(snap.RecentTools, ", "))
	}
	b.WriteString("\n\nRecent output:\n")
	b.WriteString(snap.OutputTail)
	b.WriteString("\n\nRespond with a single JSON object: ")
	b.WriteString(`{"decision": "continue|reply|redirect|complete|escalate", "reasoning": "...", "message": "...", "confidence": 0.0}`)
	b.WriteString("\nUse message only for reply/redirect (the text to send to the agent).")
	return b.String()
}

// extractJSON returns the first balanced JSON object in s.
func extractJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '{':
			if !inString {
				depth++
			}
		case '}':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// RuleEvaluator scans the output tail for completion phrasing. It is a
// best-effort secondary signal, not the primary completion mechanism; it
// never returns reply or redirect.
type RuleEvaluator struct {
	phrases []string
}

// NewRuleEvaluator creates a phrase-scanning evaluator. Extra phrases are
// added to the defaults.
func NewRuleEvaluator(extra ...string) *RuleEvaluator {
	phrases := []string{
		"goal complete",
		"task complete",
		"task is complete",
		"all tests pass",
		"finished the task",
		"nothing left to do",
	}
	return &RuleEvaluator{phrases: append(phrases, extra...)}
}

// Evaluate implements Evaluator.
func (e *RuleEvaluator) Evaluate(ctx context.Context, snap Snapshot) (*Verdict, error) {
	lower := strings.ToLower(snap.OutputTail)
	for _, phrase := range e.phrases {
		if strings.Contains(lower, phrase) {
			return &Verdict{
				Decision:   DecisionComplete,
				Reasoning:  fmt.Sprintf("output matched completion phrase %q", phrase),
				Confidence: 0.3,
			}, nil
		}
	}
	return &Verdict{Decision: DecisionContinue, Confidence: 0.3}, nil
}

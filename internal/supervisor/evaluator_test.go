package supervisor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/lifeops/agentd/internal/common/errors"
)

func TestRuleEvaluatorCompletionPhrase(t *testing.T) {
	e := NewRuleEvaluator()

	v, err := e.Evaluate(context.Background(), Snapshot{OutputTail: "...and now all tests pass."})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v.Decision != DecisionComplete {
		t.Errorf("expected complete, got %s", v.Decision)
	}

	v, _ = e.Evaluate(context.Background(), Snapshot{OutputTail: "still working on the parser"})
	if v.Decision != DecisionContinue {
		t.Errorf("expected continue, got %s", v.Decision)
	}
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		`{"decision":"complete"}`:                        `{"decision":"complete"}`,
		"noise before {\"a\": {\"b\": 1}} noise after":   `{"a": {"b": 1}}`,
		`{"msg": "braces } in { strings", "ok": true}`:   `{"msg": "braces } in { strings", "ok": true}`,
		"no json here":                                   "",
		"{unterminated":                                  "",
	}
	for in, want := range cases {
		if got := extractJSON(in); got != want {
			t.Errorf("extractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCLIEvaluatorVerdict(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake-eval")
	script := `#!/bin/sh
cat > /dev/null
echo 'The verdict follows:'
echo '{"decision": "REPLY", "reasoning": "agent is stuck", "message": "try the other file", "confidence": 0.8}'
`
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	e := NewCLIEvaluator(CLIEvaluatorConfig{Binary: path}, testLogger(t))
	v, err := e.Evaluate(context.Background(), Snapshot{Goal: "fix the bug", OutputTail: "output"})
	if err != nil {
		t.Fatalf("Evaluate failed: %v", err)
	}
	if v.Decision != DecisionReply {
		t.Errorf("expected reply, got %s", v.Decision)
	}
	if v.Message != "try the other file" {
		t.Errorf("unexpected message: %q", v.Message)
	}
}

func TestCLIEvaluatorUnavailable(t *testing.T) {
	e := NewCLIEvaluator(CLIEvaluatorConfig{Binary: "/nonexistent/evaluator"}, testLogger(t))
	_, err := e.Evaluate(context.Background(), Snapshot{})
	if err == nil {
		t.Fatal("expected error")
	}
	if !apperrors.Is(err, apperrors.CodeEvaluatorUnavailable) {
		t.Errorf("expected EVALUATOR_UNAVAILABLE, got %v", err)
	}
}

func TestCLIEvaluatorGarbageOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fake-eval")
	script := "#!/bin/sh\ncat > /dev/null\necho 'I cannot decide'\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}

	e := NewCLIEvaluator(CLIEvaluatorConfig{Binary: path}, testLogger(t))
	_, err := e.Evaluate(context.Background(), Snapshot{})
	if !apperrors.Is(err, apperrors.CodeEvaluatorUnavailable) {
		t.Errorf("unparseable verdict must map to EVALUATOR_UNAVAILABLE, got %v", err)
	}
}

package runtime

import (
	"context"
	"errors"
	"testing"
)

type stubExecution struct {
	events chan Event
}

func (s *stubExecution) Events() <-chan Event { return s.events }
func (s *stubExecution) Send(string) error    { return nil }
func (s *stubExecution) Cancel()              {}

type stubRunner struct {
	exec Execution
	err  error
	hits int
}

func (s *stubRunner) Start(ctx context.Context, req Request) (Execution, error) {
	s.hits++
	return s.exec, s.err
}

type stubLibrary struct {
	probeErr error
	exec     Execution
}

func (s *stubLibrary) Probe(ctx context.Context) error { return s.probeErr }
func (s *stubLibrary) Run(ctx context.Context, req Request) (Execution, error) {
	return s.exec, nil
}

func TestLibraryRunnerNilLibrary(t *testing.T) {
	r := NewLibraryRunner(nil, testLogger(t))
	_, err := r.Start(context.Background(), Request{})
	if !errors.Is(err, ErrLibraryUnavailable) {
		t.Errorf("expected ErrLibraryUnavailable, got %v", err)
	}
}

func TestLibraryRunnerProbeFailure(t *testing.T) {
	r := NewLibraryRunner(&stubLibrary{probeErr: errors.New("no sdk")}, testLogger(t))
	_, err := r.Start(context.Background(), Request{})
	if !errors.Is(err, ErrLibraryUnavailable) {
		t.Errorf("probe failure must map to ErrLibraryUnavailable, got %v", err)
	}
}

func TestLibraryRunnerProbeSuccess(t *testing.T) {
	want := &stubExecution{events: make(chan Event)}
	r := NewLibraryRunner(&stubLibrary{exec: want}, testLogger(t))
	got, err := r.Start(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got != want {
		t.Error("library execution not returned")
	}
}

func TestFallbackOnUnavailable(t *testing.T) {
	want := &stubExecution{events: make(chan Event)}
	primary := &stubRunner{err: ErrLibraryUnavailable}
	fallback := &stubRunner{exec: want}

	r := NewFallbackRunner(primary, fallback, testLogger(t))
	got, err := r.Start(context.Background(), Request{})
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if got != want {
		t.Error("fallback execution not returned")
	}
	if fallback.hits != 1 {
		t.Errorf("fallback invoked %d times", fallback.hits)
	}
}

func TestFallbackOtherErrorsSurface(t *testing.T) {
	boom := errors.New("boom")
	primary := &stubRunner{err: boom}
	fallback := &stubRunner{}

	r := NewFallbackRunner(primary, fallback, testLogger(t))
	_, err := r.Start(context.Background(), Request{})
	if !errors.Is(err, boom) {
		t.Errorf("expected primary error surfaced, got %v", err)
	}
	if fallback.hits != 0 {
		t.Error("fallback must not run on non-availability errors")
	}
}

func TestDetectRateLimit(t *testing.T) {
	cases := map[string]bool{
		"Error: 429 Too Many Requests":  true,
		"usage limit reached for today": true,
		"the model is overloaded":       true,
		"all tests pass":                false,
		"":                              false,
	}
	for in, want := range cases {
		if got := detectRateLimit(in); got != want {
			t.Errorf("detectRateLimit(%q) = %v, want %v", in, got, want)
		}
	}
}

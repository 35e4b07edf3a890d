package cli

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"astrophot/internal/pipeline"
)

// stubPipeline satisfies pipelineClient and replays canned results.
type stubPipeline struct {
	submitted []pipeline.Job
	submitErr error
	results   chan pipeline.Result
}

func newStubPipeline() *stubPipeline {
	return &stubPipeline{results: make(chan pipeline.Result, 8)}
}

func (s *stubPipeline) Submit(job pipeline.Job) error {
	if s.submitErr != nil {
		return s.submitErr
	}
	s.submitted = append(s.submitted, job)
	return nil
}

func (s *stubPipeline) Subscribe() (<-chan pipeline.Result, func()) {
	return s.results, func() {}
}

func testRoot(stub *stubPipeline) *Root {
	return &Root{pipeline: stub, log: slog.Default()}
}

func TestEnqueueAndWaitSuccess(t *testing.T) {
	stub := newStubPipeline()
	root := testRoot(stub)

	job := pipeline.Job{ID: "j1", Type: pipeline.JobRun}
	stub.results <- pipeline.Result{Job: job}

	if err := root.enqueueAndWait(context.Background(), job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if len(stub.submitted) != 1 || stub.submitted[0].ID != "j1" {
		t.Fatalf("expected job submitted, got %+v", stub.submitted)
	}
}

func TestEnqueueAndWaitPropagatesRunError(t *testing.T) {
	stub := newStubPipeline()
	root := testRoot(stub)

	job := pipeline.Job{ID: "j1", Type: pipeline.JobRun}
	wantErr := errors.New("no usable tables")
	stub.results <- pipeline.Result{Job: job, Error: wantErr}

	if err := root.enqueueAndWait(context.Background(), job); !errors.Is(err, wantErr) {
		t.Fatalf("expected run error, got %v", err)
	}
}

func TestEnqueueAndWaitIgnoresOtherJobs(t *testing.T) {
	stub := newStubPipeline()
	root := testRoot(stub)

	job := pipeline.Job{ID: "j2", Type: pipeline.JobRun}
	stub.results <- pipeline.Result{Job: pipeline.Job{ID: "other"}}
	stub.results <- pipeline.Result{Job: job}

	if err := root.enqueueAndWait(context.Background(), job); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
}

func TestEnqueueAndWaitSubmitFailure(t *testing.T) {
	stub := newStubPipeline()
	stub.submitErr = errors.New("queue full")
	root := testRoot(stub)

	err := root.enqueueAndWait(context.Background(), pipeline.Job{ID: "j1"})
	if err == nil || err.Error() != "queue full" {
		t.Fatalf("expected submit error, got %v", err)
	}
}

func TestEnqueueAndWaitCancelledContext(t *testing.T) {
	stub := newStubPipeline()
	root := testRoot(stub)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := root.enqueueAndWait(ctx, pipeline.Job{ID: "j1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context error, got %v", err)
	}
}

func TestConfigPathHelpers(t *testing.T) {
	tree := map[string]any{}
	if err := setPath(tree, "matching.tolerance", 2.5); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, err := lookupPath(tree, "matching.tolerance")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got != 2.5 {
		t.Fatalf("expected 2.5, got %v", got)
	}
	if _, err := lookupPath(tree, "matching.nope"); err == nil {
		t.Fatalf("expected error for unknown key")
	}
}

func TestParseValue(t *testing.T) {
	cases := []struct {
		in   string
		want any
	}{
		{"true", true},
		{"false", false},
		{"2.5", 2.5},
		{"3", 3.0},
		{"pixel", "pixel"},
	}
	for _, tc := range cases {
		if got := parseValue(tc.in); got != tc.want {
			t.Fatalf("%q: expected %v (%T), got %v (%T)", tc.in, tc.want, tc.want, got, got)
		}
	}
}

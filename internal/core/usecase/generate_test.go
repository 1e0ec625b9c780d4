package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
)

var sampleContext = AssembledContext{Text: "[1] (a.txt)\npassage", CitedChunkIDs: []string{"a:00000"}}

func TestGenerateRecordsRetriesAfterTransientTimeouts(t *testing.T) {
	completion := &completionFake{
		errs: []error{
			domain.WrapError(domain.ErrGenerationTimeout, "complete", context.DeadlineExceeded),
			domain.WrapError(domain.ErrGenerationTimeout, "complete", context.DeadlineExceeded),
		},
		answer: "grounded answer [1]",
	}
	gen := NewAnswerGenerator(completion, retryFake{maxAttempts: 3}, 0, 256)

	out, err := gen.Generate(context.Background(), "question?", sampleContext)
	if err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	if out.RetryCount != 2 || out.Attempts != 3 {
		t.Fatalf("expected retry count 2, got %+v", out)
	}
	if out.Text != "grounded answer [1]" {
		t.Fatalf("unexpected text %q", out.Text)
	}
}

func TestGenerateMapsAttemptDeadlineToTimeout(t *testing.T) {
	completion := &completionFake{delay: time.Second, answer: "late"}
	gen := NewAnswerGenerator(completion, retryFake{maxAttempts: 2}, 10*time.Millisecond, 0)

	out, err := gen.Generate(context.Background(), "q", sampleContext)
	if !domain.IsKind(err, domain.ErrGenerationTimeout) {
		t.Fatalf("expected ErrGenerationTimeout, got %v", err)
	}
	stage, _ := domain.FailedStage(err)
	if stage != domain.StageGeneration {
		t.Fatalf("expected generation stage, got %q", stage)
	}
	if completion.calls != 2 || out.RetryCount != 1 {
		t.Fatalf("expected both attempts to run, calls=%d retries=%d", completion.calls, out.RetryCount)
	}
}

func TestGenerateDoesNotRetryContentErrors(t *testing.T) {
	completion := &completionFake{errs: []error{errors.New("model not found")}, answer: "unused"}
	gen := NewAnswerGenerator(completion, retryFake{maxAttempts: 3}, 0, 0)

	_, err := gen.Generate(context.Background(), "q", sampleContext)
	if !domain.IsKind(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
	if completion.calls != 1 {
		t.Fatalf("content errors must not be retried, calls=%d", completion.calls)
	}
}

func TestGenerateRetriesRateLimits(t *testing.T) {
	completion := &completionFake{
		errs:   []error{domain.WrapError(domain.ErrRateLimited, "complete", errors.New("429"))},
		answer: "ok",
	}
	out, err := NewAnswerGenerator(completion, retryFake{maxAttempts: 3}, 0, 0).Generate(context.Background(), "q", sampleContext)
	if err != nil || out.RetryCount != 1 {
		t.Fatalf("expected one retry, got %+v err=%v", out, err)
	}
}

func TestGenerateRejectsEmptyCompletion(t *testing.T) {
	completion := &completionFake{answer: "   "}
	_, err := NewAnswerGenerator(completion, nil, 0, 0).Generate(context.Background(), "q", sampleContext)
	if !domain.IsKind(err, domain.ErrGenerationFailed) {
		t.Fatalf("expected ErrGenerationFailed, got %v", err)
	}
}

func TestAnswerPromptCarriesHistoryAndPassages(t *testing.T) {
	completion := &completionFake{answer: "ok"}
	assembled := AssembledContext{Text: "[1] (a.txt)\nthe passage", HistoryText: "User: earlier", CitedChunkIDs: []string{"a"}}
	if _, err := NewAnswerGenerator(completion, nil, 0, 0).Generate(context.Background(), "what now?", assembled); err != nil {
		t.Fatalf("Generate() error = %v", err)
	}
	prompt := completion.prompts[0]
	for _, want := range []string{"User: earlier", "[1] (a.txt)\nthe passage", "Question: what now?"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt is missing %q:\n%s", want, prompt)
		}
	}
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kirillkom/ragcore/internal/core/domain"
	"github.com/kirillkom/ragcore/internal/core/ports"
)

// Generation is the completion of one answer prompt.
type Generation struct {
	Text       string
	Attempts   int
	RetryCount int
}

// AnswerGenerator calls the completion service with bounded retries on
// transient failures. Each attempt gets its own timeout.
type AnswerGenerator struct {
	completion ports.CompletionService
	retry      ports.RetryPolicy
	timeout    time.Duration
	maxTokens  int
}

func NewAnswerGenerator(completion ports.CompletionService, retry ports.RetryPolicy, timeout time.Duration, maxTokens int) *AnswerGenerator {
	return &AnswerGenerator{
		completion: completion,
		retry:      retry,
		timeout:    timeout,
		maxTokens:  maxTokens,
	}
}

func (g *AnswerGenerator) Generate(ctx context.Context, question string, assembled AssembledContext) (Generation, error) {
	prompt := buildAnswerPrompt(question, assembled)

	var text string
	call := func(ctx context.Context) error {
		out, err := g.completeOnce(ctx, prompt)
		if err != nil {
			return err
		}
		text = out
		return nil
	}

	attempts := 1
	var err error
	if g.retry != nil {
		attempts, err = g.retry.Retry(ctx, "completion.generate", call, isTransientGenerationError)
	} else {
		err = call(ctx)
	}
	if attempts < 1 {
		attempts = 1
	}
	result := Generation{Text: text, Attempts: attempts, RetryCount: attempts - 1}
	if result.RetryCount > 0 {
		slog.Info("generation_retried", "retry_count", result.RetryCount, "success", err == nil)
	}

	if err != nil {
		kind := domain.ErrGenerationFailed
		if domain.IsKind(err, domain.ErrGenerationTimeout) {
			kind = domain.ErrGenerationTimeout
		}
		return result, domain.NewStageError(domain.StageGeneration, kind,
			fmt.Errorf("after %d attempt(s): %w", attempts, err))
	}
	return result, nil
}

func (g *AnswerGenerator) completeOnce(ctx context.Context, prompt string) (string, error) {
	attemptCtx := ctx
	cancel := func() {}
	if g.timeout > 0 {
		attemptCtx, cancel = context.WithTimeout(ctx, g.timeout)
	}
	defer cancel()

	text, err := g.completion.Complete(attemptCtx, prompt, g.maxTokens)
	if err != nil {
		// A deadline hit while the caller is still waiting is this attempt's timeout.
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", domain.WrapError(domain.ErrGenerationTimeout, "complete prompt", err)
		}
		return "", err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return "", domain.WrapError(domain.ErrGenerationFailed, "complete prompt", errors.New("empty completion"))
	}
	return text, nil
}

func isTransientGenerationError(err error) bool {
	return domain.IsKind(err, domain.ErrGenerationTimeout) ||
		domain.IsKind(err, domain.ErrRateLimited) ||
		domain.IsKind(err, domain.ErrTemporary)
}

package domain

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidDocument      = errors.New("invalid document")
	ErrExtraction           = errors.New("extraction failed")
	ErrDocumentNotFound     = errors.New("document not found")
	ErrConversationNotFound = errors.New("conversation not found")
	ErrEmbeddingUnavailable = errors.New("embedding unavailable")
	ErrIndexUnavailable     = errors.New("index unavailable")
	ErrRerankUnavailable    = errors.New("rerank unavailable")
	ErrGenerationTimeout    = errors.New("generation timeout")
	ErrGenerationFailed     = errors.New("generation failed")
	ErrConversationStore    = errors.New("conversation store failure")
	ErrStageTimeout         = errors.New("stage timeout")
	ErrRateLimited          = errors.New("rate limited")
	ErrTemporary            = errors.New("temporary failure")
)

// WrapError preserves typed semantic errors with operation context.
func WrapError(kind error, operation string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", operation, kind, err)
}

func IsKind(err error, kind error) bool {
	return errors.Is(err, kind)
}

// Stage names a step of ingestion or query processing for failure reporting.
type Stage string

const (
	StageValidation  Stage = "validation"
	StageExtraction  Stage = "extraction"
	StageChunking    Stage = "chunking"
	StageEmbedding   Stage = "embedding"
	StageIndexing    Stage = "indexing"
	StageRetrieval   Stage = "retrieval"
	StageRerank      Stage = "rerank"
	StageContext     Stage = "context"
	StageGeneration  Stage = "generation"
	StagePersistence Stage = "persistence"
)

// StageError is the terminal failure of a pipeline, naming the stage that failed.
type StageError struct {
	Stage Stage
	Kind  error
	Err   error
}

func NewStageError(stage Stage, kind error, err error) error {
	if err == nil {
		return nil
	}
	var existing *StageError
	if errors.As(err, &existing) {
		return err
	}
	return &StageError{Stage: stage, Kind: kind, Err: err}
}

func (e *StageError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Stage, e.Kind)
	}
	if e.Kind != nil && !errors.Is(e.Err, e.Kind) {
		return fmt.Sprintf("%s: %v: %v", e.Stage, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

// FailedStage reports the stage carried by err, if any.
func FailedStage(err error) (Stage, bool) {
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		return stageErr.Stage, true
	}
	return "", false
}

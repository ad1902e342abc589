package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/kirillkom/hybrid-rag/internal/core/domain"
)

func TestStageTrackerFailMovesToFailedAndTagsStage(t *testing.T) {
	tracker := newStageTracker(context.Background(), "search", nil, domain.StageReceived)
	tracker.enter(domain.StageRetrieving)

	err := tracker.fail(errors.New("index down"))
	if tracker.stage != domain.StageFailed {
		t.Fatalf("expected tracker in %q, got %q", domain.StageFailed, tracker.stage)
	}
	if stage, ok := domain.FailedStage(err); !ok || stage != domain.StageRetrieving {
		t.Fatalf("expected failure tagged RETRIEVING, got %q", stage)
	}
}

func TestStageTrackerFailKeepsNestedStage(t *testing.T) {
	tracker := newStageTracker(context.Background(), "ask", nil, domain.StageGenerating)
	nested := &domain.StageError{Stage: domain.StageRetrieving, Err: errors.New("boom")}

	if stage, _ := domain.FailedStage(tracker.fail(nested)); stage != domain.StageRetrieving {
		t.Fatalf("expected nested stage kept, got %q", stage)
	}
}

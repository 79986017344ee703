package ai

import (
	"context"

	"github.com/lingosync-go/internal/models"
)

// LanguageService is the external text and audio capability the result
// cache wraps. The caller identity is implicit in ctx.
type LanguageService interface {
	Translate(ctx context.Context, req models.TranslateRequest) (models.TranslateResult, error)
	DetectLanguage(ctx context.Context, req models.DetectLanguageRequest) (models.DetectLanguageResult, error)
	ExplainCulturalContext(ctx context.Context, req models.CulturalContextRequest) (models.CulturalContextResult, error)
	AdjustFormality(ctx context.Context, req models.FormalityRequest) (models.FormalityResult, error)
	SuggestReplies(ctx context.Context, req models.SmartRepliesRequest) (models.SmartRepliesResult, error)
	// Transcribe expects req.Audio to be populated
	Transcribe(ctx context.Context, req models.TranscribeRequest) (models.TranscriptionResult, error)
	ExtractEntities(ctx context.Context, req models.ExtractEntitiesRequest) (models.ExtractEntitiesResult, error)
}

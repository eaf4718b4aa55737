package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"defectmaster/pkg/domain"
)

// ErrParse indicates the model replied but the reply could not be read as a
// verdict. Distinct from a clean "zero defects" answer.
var ErrParse = errors.New("unparseable analysis response")

const systemPrompt = `РОЛЬ:
Ты — строгий и опытный инженер строительного контроля (Технадзор) в РФ. Твоя цель — найти нарушения, оценить их критичность и сослаться на нормы.

ЗАДАЧА:
1. Проверь, является ли фото строительным. Если это кот, еда, селфи или явный мусор — верни "is_relevant": false и шутливый комментарий.
2. Если это стройка, используй предоставленный пользователем контекст (Объект/Место).
3. Найди дефекты. Для каждого дефекта определи:
   - Наименование.
   - Точное местонахождение на фото.
   - Критичность (Критический / Значительный / Малозначительный).
   - Вероятная причина.
   - Нарушенная норма РФ (СП, ГОСТ, СНиП, Приказ Минтруда). Обязательно укажи номер пункта.
   - Рекомендация по устранению (императив: "Сделать", "Устранить").
4. Сформируй краткое экспертное заключение по фото.

ФОРМАТ ОТВЕТА (JSON):
{
  "is_relevant": true,
  "joke": null,
  "items": [
    {
      "defect": "Название дефекта",
      "location": "Где именно на фото",
      "criticality": "Критический",
      "cause": "Причина",
      "norm": "СП 70.13330 п. 5.17.4",
      "recommendation": "Текст рекомендации"
    }
  ],
  "expert_summary": "Текст заключения (2-3 предложения)."
}

ВАЖНО: Отвечай ТОЛЬКО валидным JSON. Никакого дополнительного текста.`

// Limiter gates analysis-model calls. Implemented by ratelimit.FixedWindowLimiter.
type Limiter interface {
	Allow(key string) bool
}

// VisionModel is the narrow Gemini surface the analyzer needs.
type VisionModel interface {
	GenerateVision(ctx context.Context, model, systemPrompt, userPrompt string, image []byte, mimeType string) (string, error)
}

// AnalyzerConfig tunes the two-stage analysis pipeline.
type AnalyzerConfig struct {
	FastModel     string
	AnalysisModel string
	// MaxConcurrent caps in-flight model calls process-wide.
	MaxConcurrent int
	// MaxAttempts bounds retries on transient upstream failures.
	MaxAttempts int
	Backoff     time.Duration
	Limiter     Limiter
}

// Analyzer classifies construction photos into a three-way verdict with
// findings. A fast model screens relevance, an analysis model extracts
// defects (original two-stage flow).
type Analyzer struct {
	client        VisionModel
	fastModel     string
	analysisModel string
	sem           *semaphore.Weighted
	maxAttempts   int
	backoff       time.Duration
	limiter       Limiter
}

// NewAnalyzer constructs the analyzer.
func NewAnalyzer(client VisionModel, cfg AnalyzerConfig) (*Analyzer, error) {
	if client == nil {
		return nil, errors.New("vision client required")
	}
	if cfg.FastModel == "" || cfg.AnalysisModel == "" {
		return nil, errors.New("fast and analysis models required")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	backoff := cfg.Backoff
	if backoff <= 0 {
		backoff = 2 * time.Second
	}
	return &Analyzer{
		client:        client,
		fastModel:     cfg.FastModel,
		analysisModel: cfg.AnalysisModel,
		sem:           semaphore.NewWeighted(int64(maxConcurrent)),
		maxAttempts:   maxAttempts,
		backoff:       backoff,
		limiter:       cfg.Limiter,
	}, nil
}

// Analyze runs the relevance stage, then the defect stage for relevant
// photos. Transient upstream failures surface as ErrUnavailable after
// bounded retries; replies that cannot be read as a verdict as ErrParse.
func (a *Analyzer) Analyze(ctx context.Context, photo []byte, contextLabel string) (domain.AnalysisResult, error) {
	if err := a.sem.Acquire(ctx, 1); err != nil {
		return domain.AnalysisResult{}, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer a.sem.Release(1)

	relevancePrompt := "Проверь, является ли это фото строительным объектом."
	if contextLabel != "" {
		relevancePrompt = fmt.Sprintf("Контекст: %s\n\nПроверь, является ли это фото строительным объектом. Если это кот, еда, селфи или не стройка - верни is_relevant: false с шуткой. Если это стройка - верни is_relevant: true.", contextLabel)
	}
	raw, err := a.generate(ctx, a.fastModel, relevancePrompt, photo)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	screen, err := parseModelReply(raw)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	if !screen.IsRelevant {
		return domain.AnalysisResult{
			Verdict: domain.VerdictIrrelevant,
			Joke:    screen.Joke,
		}, nil
	}

	analysisPrompt := "Проанализируй это фото согласно инструкции. Найди все дефекты."
	if contextLabel != "" {
		analysisPrompt = fmt.Sprintf("Контекст: %s\n\nПроанализируй это фото согласно инструкции. Найди все дефекты.", contextLabel)
	}
	if a.limiter != nil && !a.limiter.Allow("analysis:"+a.analysisModel) {
		return domain.AnalysisResult{}, fmt.Errorf("%w: analysis model over quota", ErrUnavailable)
	}
	raw, err = a.generate(ctx, a.analysisModel, analysisPrompt, photo)
	if err != nil {
		return domain.AnalysisResult{}, err
	}
	reply, err := parseModelReply(raw)
	if err != nil {
		return domain.AnalysisResult{}, err
	}

	result := domain.AnalysisResult{
		Verdict:       domain.VerdictNoDefects,
		ExpertSummary: reply.ExpertSummary,
	}
	if len(reply.Items) > 0 {
		result.Verdict = domain.VerdictDefects
		result.Findings = make([]domain.Finding, 0, len(reply.Items))
		for _, item := range reply.Items {
			result.Findings = append(result.Findings, domain.Finding{
				Defect:         item.Defect,
				Location:       item.Location,
				Criticality:    domain.Severity(item.Criticality),
				Cause:          item.Cause,
				Norm:           item.Norm,
				Recommendation: item.Recommendation,
			})
		}
	}
	return result, nil
}

func (a *Analyzer) generate(ctx context.Context, model, prompt string, photo []byte) (string, error) {
	var lastErr error
	for attempt := 1; attempt <= a.maxAttempts; attempt++ {
		raw, err := a.client.GenerateVision(ctx, model, systemPrompt, prompt, photo, "image/jpeg")
		if err == nil {
			return raw, nil
		}
		if !errors.Is(err, ErrUnavailable) {
			return "", err
		}
		lastErr = err
		if attempt < a.maxAttempts {
			slog.Warn("gemini call failed, retrying", "model", model, "attempt", attempt, "err", err)
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %v", ErrUnavailable, ctx.Err())
			case <-time.After(a.backoff * time.Duration(attempt)):
			}
		}
	}
	return "", lastErr
}

type modelReply struct {
	IsRelevant    bool           `json:"is_relevant"`
	Joke          string         `json:"joke"`
	Items         []modelFinding `json:"items"`
	ExpertSummary string         `json:"expert_summary"`
}

type modelFinding struct {
	Defect         string `json:"defect"`
	Location       string `json:"location"`
	Criticality    string `json:"criticality"`
	Cause          string `json:"cause"`
	Norm           string `json:"norm"`
	Recommendation string `json:"recommendation"`
}

// parseModelReply reads the model's JSON. A reply without an explicit
// is_relevant field is rejected: an empty object must never read as a clean
// "zero defects" verdict.
func parseModelReply(raw string) (modelReply, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return modelReply{}, fmt.Errorf("%w: empty reply", ErrParse)
	}
	var probe struct {
		IsRelevant *bool `json:"is_relevant"`
	}
	if err := json.Unmarshal([]byte(raw), &probe); err != nil {
		return modelReply{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	if probe.IsRelevant == nil {
		return modelReply{}, fmt.Errorf("%w: missing is_relevant", ErrParse)
	}
	var reply modelReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return modelReply{}, fmt.Errorf("%w: %v", ErrParse, err)
	}
	return reply, nil
}

// Package operators сопоставляет сырые имена операторов из чеков каноническим
// приложениям по справочнику operator_reference. Порядок стратегий: точное
// совпадение нормализованных имён, самая длинная подстрока, затем модельный
// резолвер с порогом уверенности. Новые имена, уверенно разрешённые моделью,
// записываются в справочник неактивными строками на подтверждение.
package operators

import (
	"context"
	"regexp"
	"sort"
	"strings"
	"sync"

	"receiptbot/internal/domain/parser"
	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"

	"go.uber.org/zap"
)

// Способы получения маппинга. Попадают в ответы API и в логи.
const (
	MethodDict      = "DICT"
	MethodAI        = "AI"
	MethodHeuristic = "HEURISTIC"
)

// Типы словарного совпадения.
const (
	MatchExact     = "EXACT"
	MatchSubstring = "SUBSTRING"
)

const candidateHintLimit = 10

var (
	wsRun       = regexp.MustCompile(`\s+`)
	nonAlphaNum = regexp.MustCompile(`[^A-Z0-9 ]`)
)

// NormalizeOperator приводит имя оператора к форме для сопоставления:
// верхний регистр, схлопнутые пробелы, только латиница и цифры.
func NormalizeOperator(value string) string {
	normalized := strings.ToUpper(value)
	normalized = wsRun.ReplaceAllString(normalized, " ")
	normalized = nonAlphaNum.ReplaceAllString(normalized, " ")
	return strings.Join(strings.Fields(normalized), " ")
}

// ModelResolver — модельный фоллбек словаря. Реализуется GPT-клиентом каскада;
// nil-резолвер валиден и означает «только словарь».
type ModelResolver interface {
	Enabled() bool
	ResolveApplication(ctx context.Context, operatorRaw, rawText string,
		knownApps []string, hints []parser.ResolverHint) (*parser.AppResolution, error)
}

// Match — результат словарного сопоставления.
type Match struct {
	ReferenceID     int64
	MatchedOperator string
	Application     string
	IsP2P           bool
	MatchType       string
}

// Resolution — итог полного разрешения оператора. Application == "" означает,
// что ни словарь, ни модель не дали уверенного ответа; IsP2P при этом
// заполняется эвристикой.
type Resolution struct {
	Application string
	IsP2P       *bool
	Method      string
	MatchType   string
	Confidence  float64
}

type cachedRef struct {
	id      int64
	pattern string
	app     string
	isP2P   bool
}

// Mapper держит in-memory кеш активных строк справочника. Кеш обновляется
// явно после правок справочника через API.
type Mapper struct {
	store     *txstore.Store
	resolver  ModelResolver
	threshold float64

	mu    sync.RWMutex
	cache []cachedRef
}

// NewMapper создаёт маппер и сразу наполняет кеш. threshold — минимальная
// уверенность модельного резолвера.
func NewMapper(ctx context.Context, store *txstore.Store, resolver ModelResolver, threshold float64) (*Mapper, error) {
	m := &Mapper{store: store, resolver: resolver, threshold: threshold}
	if err := m.RefreshCache(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// RefreshCache перечитывает активные строки справочника.
func (m *Mapper) RefreshCache(ctx context.Context) error {
	refs, err := m.store.ListOperators(ctx, true)
	if err != nil {
		return err
	}
	cache := make([]cachedRef, 0, len(refs))
	for _, ref := range refs {
		pattern := NormalizeOperator(ref.Operator)
		if pattern == "" || ref.Application == "" {
			continue
		}
		cache = append(cache, cachedRef{
			id:      ref.ID,
			pattern: pattern,
			app:     ref.Application,
			isP2P:   ref.IsP2P,
		})
	}
	m.mu.Lock()
	m.cache = cache
	m.mu.Unlock()
	return nil
}

// Минимальная длина общего префикса, при которой образец считается
// совпавшим без полного вхождения. Отсекает случайные совпадения
// первых букв.
const minPrefixScore = 4

// MapOperator ищет словарное совпадение: точное по нормализованной форме,
// иначе наибольшее покрытие. Покрытие образца — его полная длина, если он
// входит во вход подстрокой, либо длина общего префикса со входом (банки
// дописывают к имени оператора суффиксы вроде кодов терминалов). Ничьи
// разрешаются меньшим reference id.
func (m *Mapper) MapOperator(operatorRaw string) *Match {
	normalized := NormalizeOperator(operatorRaw)
	if normalized == "" {
		return nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *cachedRef
	bestScore := 0
	for i := range m.cache {
		ref := &m.cache[i]
		if normalized == ref.pattern {
			return &Match{
				ReferenceID:     ref.id,
				MatchedOperator: ref.pattern,
				Application:     ref.app,
				IsP2P:           ref.isP2P,
				MatchType:       MatchExact,
			}
		}
		score := 0
		if strings.Contains(normalized, ref.pattern) {
			score = len(ref.pattern)
		} else if n := commonPrefixLen(normalized, ref.pattern); n >= minPrefixScore {
			score = n
		}
		if score == 0 {
			continue
		}
		if score > bestScore || (score == bestScore && best != nil && ref.id < best.id) {
			bestScore = score
			best = ref
		}
	}
	if best == nil {
		return nil
	}
	return &Match{
		ReferenceID:     best.id,
		MatchedOperator: best.pattern,
		Application:     best.app,
		IsP2P:           best.isP2P,
		MatchType:       MatchSubstring,
	}
}

// tokenSet разбивает нормализованную строку на множество токенов по пробелам.
func tokenSet(value string) map[string]struct{} {
	set := make(map[string]struct{}, 4)
	for _, token := range strings.Fields(value) {
		set[token] = struct{}{}
	}
	return set
}

func commonPrefixLen(a, b string) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// KnownApplications возвращает уникальные имена приложений из активной части
// справочника.
func (m *Mapper) KnownApplications() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	seen := make(map[string]struct{}, len(m.cache))
	apps := make([]string, 0, len(m.cache))
	for _, ref := range m.cache {
		if _, ok := seen[ref.app]; ok {
			continue
		}
		seen[ref.app] = struct{}{}
		apps = append(apps, ref.app)
	}
	sort.Strings(apps)
	return apps
}

// CandidateExamples подбирает похожие строки справочника как подсказки модели.
// Похожесть: бонус за точное совпадение, длина совпавшей подстроки, пересечение
// токенов.
func (m *Mapper) CandidateExamples(operatorRaw string, limit int) []parser.ResolverHint {
	normalized := NormalizeOperator(operatorRaw)
	if normalized == "" {
		return nil
	}
	inputTokens := tokenSet(normalized)

	type scored struct {
		score float64
		ref   cachedRef
	}

	m.mu.RLock()
	candidates := make([]scored, 0, len(m.cache))
	for _, ref := range m.cache {
		score := 0.0
		if ref.pattern == normalized {
			score += 100
		}
		if strings.Contains(normalized, ref.pattern) || strings.Contains(ref.pattern, normalized) {
			score += float64(len(ref.pattern))
		}
		for token := range tokenSet(ref.pattern) {
			if _, ok := inputTokens[token]; ok {
				score += 5
			}
		}
		if score > 0 {
			candidates = append(candidates, scored{score: score, ref: ref})
		}
	}
	m.mu.RUnlock()

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if len(candidates[i].ref.pattern) != len(candidates[j].ref.pattern) {
			return len(candidates[i].ref.pattern) > len(candidates[j].ref.pattern)
		}
		return candidates[i].ref.id < candidates[j].ref.id
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	hints := make([]parser.ResolverHint, 0, len(candidates))
	for _, c := range candidates {
		hints = append(hints, parser.ResolverHint{
			Operator:    c.ref.pattern,
			Application: c.ref.app,
			IsP2P:       c.ref.isP2P,
		})
	}
	return hints
}

// Resolve выполняет полный каскад разрешения оператора: словарь, модель с
// порогом уверенности, эвристика P2P по подстроке. Ошибки модели не фатальны —
// каскад деградирует до эвристики.
func (m *Mapper) Resolve(ctx context.Context, operatorRaw, rawText string) Resolution {
	if match := m.MapOperator(operatorRaw); match != nil {
		p2p := match.IsP2P
		logger.Debug("operator mapped via dictionary",
			zap.String("operator", operatorRaw),
			zap.String("application", match.Application),
			zap.String("match_type", match.MatchType))
		return Resolution{
			Application: match.Application,
			IsP2P:       &p2p,
			Method:      MethodDict,
			MatchType:   match.MatchType,
		}
	}

	if m.resolver != nil && m.resolver.Enabled() {
		hints := m.CandidateExamples(operatorRaw, candidateHintLimit)
		ai, err := m.resolver.ResolveApplication(ctx, operatorRaw, rawText, m.KnownApplications(), hints)
		switch {
		case err != nil:
			logger.Warn("model operator resolution failed",
				zap.String("operator", operatorRaw), zap.Error(err))
		case ai.Application != "Unknown" && ai.Confidence >= m.threshold:
			p2p := ai.IsP2P
			suggested := ai.RecommendedOperator
			if suggested == "" {
				suggested = operatorRaw
			}
			if suggestErr := m.store.SuggestOperator(ctx, suggested, ai.Application, ai.IsP2P); suggestErr != nil {
				logger.Warn("operator suggestion write failed",
					zap.String("operator", suggested), zap.Error(suggestErr))
			}
			logger.Info("operator mapped via model",
				zap.String("operator", operatorRaw),
				zap.String("application", ai.Application),
				zap.Float64("confidence", ai.Confidence))
			return Resolution{
				Application: ai.Application,
				IsP2P:       &p2p,
				Method:      MethodAI,
				Confidence:  ai.Confidence,
			}
		default:
			logger.Debug("model could not confidently map operator",
				zap.String("operator", operatorRaw),
				zap.Float64("confidence", ai.Confidence))
		}
	}

	p2p := strings.Contains(strings.ToUpper(operatorRaw), "P2P")
	return Resolution{IsP2P: &p2p, Method: MethodHeuristic}
}

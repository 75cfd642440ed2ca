// Package detection — конвейер классификации входящих сообщений.
//
// Назначение:
//
//	Конвейер держит два скомпилированных списка паттернов — фазы игры и
//	промпты действий — и относит текст сообщения к ним. На выходе — детальные
//	результаты в детерминированном порядке приоритетов.
//
// Модель и инварианты:
//   - фазы: побеждает первое совпадение по списку, отсортированному по
//     (приоритет фазы DESC, приоритет паттерна DESC) — не более одной фазы
//     на сообщение;
//   - действия: собираются ВСЕ совпадения в порядке приоритета паттернов;
//     дубликаты по (действие, шаг) допустимы и отдаются как есть;
//   - объединённый список сортируется по суммарному ключу приоритета
//     (фаза: priority_фазы*1000 + priority_паттерна; действие: priority
//     паттерна), стабильно: при равенстве порядок вставки, фаза раньше;
//   - нерегэксповый паттерн совпадает по вхождению подстроки; регэксповый —
//     по поиску в любом месте текста;
//   - невалидный регэксп сообщается наблюдателю (scope, pattern, причина)
//     и считается несовпавшим; конвейер продолжает работать.
//
// Повторный прогон на тех же входах даёт ту же последовательность результатов.
package detection

import (
	"sort"
	"strings"

	"qmanager/internal/infra/regexcache"
)

// phasePriorityWeight — вес приоритета фазы в суммарном ключе сортировки.
const phasePriorityWeight = 1000

// MessageEvent — нормализованное входное событие для детекции.
type MessageEvent struct {
	Text      string
	ChatID    int64
	SenderID  int64
	IsPrivate bool
	Buttons   []string // видимые тексты inline-кнопок (для даунстрима, не для матчинга)
}

// ResultKind различает тип результата детекции.
type ResultKind int

const (
	KindPhase ResultKind = iota
	KindAction
)

// Result — один результат детекции: фаза или действие.
type Result struct {
	Kind       ResultKind
	PhaseName  string // для KindPhase
	ActionID   int64  // для KindAction
	ActionName string // для KindAction
	PatternID  int64
	Priority   int // суммарный ключ для сортировки объединённого списка
	Step       int // для KindAction: 1 или 2
}

// compiledPhasePattern — подготовленный паттерн фазы.
type compiledPhasePattern struct {
	id            int64
	phaseName     string
	pattern       string
	isRegex       bool
	priority      int
	phasePriority int
}

// compiledActionPattern — подготовленный паттерн действия.
type compiledActionPattern struct {
	id         int64
	actionID   int64
	actionName string
	pattern    string
	isRegex    bool
	priority   int
	step       int
}

// PhasePatternInput — входная форма паттерна фазы для загрузки в конвейер.
type PhasePatternInput struct {
	ID            int64
	PhaseName     string
	PhasePriority int
	Pattern       string
	IsRegex       bool
	Enabled       bool
	Priority      int
}

// ActionInput — строка каталога действий, нужная конвейеру.
type ActionInput struct {
	ID   int64
	Name string
}

// ActionPatternInput — входная форма паттерна действия.
type ActionPatternInput struct {
	ID       int64
	ActionID int64
	Pattern  string
	IsRegex  bool
	Enabled  bool
	Priority int
	Step     int
}

// RegexErrorFunc получает проблемы компиляции регэкспов: (scope, pattern, причина).
type RegexErrorFunc func(scope, pattern string, err error)

// Pipeline — конвейер детекции одного воркера. Не потокобезопасен: владеет им
// ровно одна задача воркера.
type Pipeline struct {
	phasePatterns  []compiledPhasePattern
	actionPatterns []compiledActionPattern

	regexes  *regexcache.Cache
	reportRe RegexErrorFunc
}

// New создаёт конвейер поверх общего кэша регэкспов. reportRe может быть nil.
func New(regexes *regexcache.Cache, reportRe RegexErrorFunc) *Pipeline {
	if regexes == nil {
		regexes = regexcache.Shared()
	}
	return &Pipeline{regexes: regexes, reportRe: reportRe}
}

// LoadPhasePatterns загружает включённые паттерны фаз и сортирует их по
// (приоритет фазы DESC, приоритет паттерна DESC).
func (p *Pipeline) LoadPhasePatterns(patterns []PhasePatternInput) {
	p.phasePatterns = p.phasePatterns[:0]
	for _, in := range patterns {
		if !in.Enabled {
			continue
		}
		p.phasePatterns = append(p.phasePatterns, compiledPhasePattern{
			id:            in.ID,
			phaseName:     in.PhaseName,
			pattern:       in.Pattern,
			isRegex:       in.IsRegex,
			priority:      in.Priority,
			phasePriority: in.PhasePriority,
		})
	}
	sort.SliceStable(p.phasePatterns, func(i, j int) bool {
		a, b := p.phasePatterns[i], p.phasePatterns[j]
		if a.phasePriority != b.phasePriority {
			return a.phasePriority > b.phasePriority
		}
		return a.priority > b.priority
	})
}

// LoadActionPatterns загружает включённые паттерны действий, отбрасывая
// паттерны без действия в каталоге, и сортирует по приоритету DESC.
func (p *Pipeline) LoadActionPatterns(actions []ActionInput, patterns []ActionPatternInput) {
	names := make(map[int64]string, len(actions))
	for _, a := range actions {
		names[a.ID] = a.Name
	}

	p.actionPatterns = p.actionPatterns[:0]
	for _, in := range patterns {
		if !in.Enabled {
			continue
		}
		name, ok := names[in.ActionID]
		if !ok {
			continue
		}
		p.actionPatterns = append(p.actionPatterns, compiledActionPattern{
			id:         in.ID,
			actionID:   in.ActionID,
			actionName: name,
			pattern:    in.Pattern,
			isRegex:    in.IsRegex,
			priority:   in.Priority,
			step:       in.Step,
		})
	}
	sort.SliceStable(p.actionPatterns, func(i, j int) bool {
		return p.actionPatterns[i].priority > p.actionPatterns[j].priority
	})
}

// Process классифицирует сообщение: не более одной фазы (первое совпадение)
// плюс все совпавшие действия, отсортированные по суммарному приоритету.
func (p *Pipeline) Process(event MessageEvent) []Result {
	var results []Result

	for _, pat := range p.phasePatterns {
		if p.matches(event.Text, pat.pattern, pat.isRegex, "phase") {
			results = append(results, Result{
				Kind:      KindPhase,
				PhaseName: pat.phaseName,
				PatternID: pat.id,
				Priority:  pat.phasePriority*phasePriorityWeight + pat.priority,
			})
			break
		}
	}

	for _, pat := range p.actionPatterns {
		if p.matches(event.Text, pat.pattern, pat.isRegex, "action") {
			results = append(results, Result{
				Kind:       KindAction,
				ActionID:   pat.actionID,
				ActionName: pat.actionName,
				PatternID:  pat.id,
				Priority:   pat.priority,
				Step:       pat.step,
			})
		}
	}

	// Стабильная сортировка: при равных приоритетах сохраняется порядок вставки
	// (фаза добавлена раньше действий и при ничьей идёт первой).
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Priority > results[j].Priority
	})
	return results
}

// matches проверяет совпадение текста с паттерном. Ошибка компиляции регэкспа
// уходит в reportRe и трактуется как несовпадение.
func (p *Pipeline) matches(text, pattern string, isRegex bool, scope string) bool {
	if !isRegex {
		return strings.Contains(text, pattern)
	}
	re, err := p.regexes.Get(pattern)
	if err != nil {
		if p.reportRe != nil {
			p.reportRe(scope, pattern, err)
		}
		return false
	}
	return re.MatchString(text)
}

// PhasePatternCount возвращает число загруженных паттернов фаз.
func (p *Pipeline) PhasePatternCount() int { return len(p.phasePatterns) }

// ActionPatternCount возвращает число загруженных паттернов действий.
func (p *Pipeline) ActionPatternCount() int { return len(p.actionPatterns) }

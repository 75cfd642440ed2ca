package detection

import (
	"reflect"
	"testing"

	"qmanager/internal/infra/regexcache"
)

func newPipeline(reportRe RegexErrorFunc) *Pipeline {
	return New(regexcache.New(), reportRe)
}

func loadJoinPhases(p *Pipeline) {
	p.LoadPhasePatterns([]PhasePatternInput{
		{ID: 1, PhaseName: "join_time", PhasePriority: 100, Pattern: "Join now", Enabled: true, Priority: 10},
		{ID: 2, PhaseName: "join_confirmation", PhasePriority: 90, Pattern: "You joined", Enabled: true, Priority: 10},
		{ID: 3, PhaseName: "game_start", PhasePriority: 80, Pattern: "Game started", Enabled: true, Priority: 10},
		{ID: 4, PhaseName: "game_end", PhasePriority: 70, Pattern: "Game over", Enabled: true, Priority: 10},
	})
}

func TestPhaseFirstMatchWins(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	// Два паттерна одной фазы и паттерн более низкоприоритетной фазы,
	// совпадающие с одним текстом: выигрывает первый по сортировке.
	p.LoadPhasePatterns([]PhasePatternInput{
		{ID: 1, PhaseName: "game_start", PhasePriority: 80, Pattern: "started", Enabled: true, Priority: 5},
		{ID: 2, PhaseName: "join_time", PhasePriority: 100, Pattern: "Join", Enabled: true, Priority: 1},
		{ID: 3, PhaseName: "join_time", PhasePriority: 100, Pattern: "Join now", Enabled: true, Priority: 9},
	})

	results := p.Process(MessageEvent{Text: "Join now, game started"})
	if len(results) != 1 {
		t.Fatalf("got %d results, want exactly one phase", len(results))
	}
	want := Result{Kind: KindPhase, PhaseName: "join_time", PatternID: 3, Priority: 100*1000 + 9}
	if !reflect.DeepEqual(results[0], want) {
		t.Fatalf("Process() = %+v, want %+v", results[0], want)
	}
}

func TestActionAllMatches(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	actions := []ActionInput{{ID: 1, Name: "vote"}, {ID: 2, Name: "eat"}}
	p.LoadActionPatterns(actions, []ActionPatternInput{
		{ID: 10, ActionID: 1, Pattern: "time to vote", Enabled: true, Priority: 5, Step: 1},
		{ID: 11, ActionID: 2, Pattern: "vote", Enabled: true, Priority: 9, Step: 1},
		{ID: 12, ActionID: 1, Pattern: "not here", Enabled: true, Priority: 20, Step: 1},
	})

	results := p.Process(MessageEvent{Text: "time to vote, everyone"})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	// Приоритет 9 раньше 5.
	if results[0].ActionName != "eat" || results[1].ActionName != "vote" {
		t.Fatalf("order = [%s, %s], want [eat, vote]", results[0].ActionName, results[1].ActionName)
	}
}

func TestDuplicateActionStepSurfaced(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	p.LoadActionPatterns([]ActionInput{{ID: 1, Name: "vote"}}, []ActionPatternInput{
		{ID: 10, ActionID: 1, Pattern: "vote", Enabled: true, Priority: 5, Step: 1},
		{ID: 11, ActionID: 1, Pattern: "Vote", Enabled: true, Priority: 5, Step: 1},
	})

	results := p.Process(MessageEvent{Text: "vote or Vote"})
	if len(results) != 2 {
		t.Fatalf("got %d results, want both duplicates", len(results))
	}
	// Равный приоритет: порядок вставки.
	if results[0].PatternID != 10 || results[1].PatternID != 11 {
		t.Fatalf("tie order = [%d, %d], want [10, 11]", results[0].PatternID, results[1].PatternID)
	}
}

func TestCombinedSortPhaseBeforeActionOnTie(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	// Суммарный ключ фазы: 0*1000+50 = 50 — равен приоритету действия.
	p.LoadPhasePatterns([]PhasePatternInput{
		{ID: 1, PhaseName: "join_time", PhasePriority: 0, Pattern: "go", Enabled: true, Priority: 50},
	})
	p.LoadActionPatterns([]ActionInput{{ID: 1, Name: "vote"}}, []ActionPatternInput{
		{ID: 10, ActionID: 1, Pattern: "go", Enabled: true, Priority: 50, Step: 1},
	})

	results := p.Process(MessageEvent{Text: "go"})
	if len(results) != 2 {
		t.Fatalf("got %d results, want 2", len(results))
	}
	if results[0].Kind != KindPhase || results[1].Kind != KindAction {
		t.Fatalf("tie must keep phase first, got %+v", results)
	}
}

func TestRegexAndSubstringSemantics(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	p.LoadActionPatterns([]ActionInput{{ID: 1, Name: "vote"}}, []ActionPatternInput{
		{ID: 10, ActionID: 1, Pattern: `vote \d+`, IsRegex: true, Enabled: true, Priority: 5, Step: 1},
		{ID: 11, ActionID: 1, Pattern: "Vote", Enabled: true, Priority: 4, Step: 1},
	})

	cases := []struct {
		name string
		text string
		want int
	}{
		{name: "regexMatchesAnywhere", text: "please vote 12 now", want: 1},
		{name: "substringIsCaseSensitive", text: "vote now", want: 0},
		{name: "substringMatches", text: "Vote now", want: 1},
		{name: "noMatch", text: "nothing here", want: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := len(p.Process(MessageEvent{Text: tc.text})); got != tc.want {
				t.Fatalf("matches = %d, want %d", got, tc.want)
			}
		})
	}
}

func TestInvalidRegexReportedAndSkipped(t *testing.T) {
	t.Parallel()

	type report struct {
		scope   string
		pattern string
	}
	var reports []report
	p := newPipeline(func(scope, pattern string, err error) {
		if err == nil {
			t.Error("report called with nil error")
		}
		reports = append(reports, report{scope: scope, pattern: pattern})
	})

	p.LoadPhasePatterns([]PhasePatternInput{
		{ID: 1, PhaseName: "join_time", PhasePriority: 100, Pattern: `([`, IsRegex: true, Enabled: true, Priority: 1},
	})
	p.LoadActionPatterns([]ActionInput{{ID: 1, Name: "vote"}}, []ActionPatternInput{
		{ID: 10, ActionID: 1, Pattern: "vote", Enabled: true, Priority: 1, Step: 1},
	})

	results := p.Process(MessageEvent{Text: "vote ["})
	if len(results) != 1 || results[0].Kind != KindAction {
		t.Fatalf("pipeline must keep running past a bad regex, got %+v", results)
	}
	if len(reports) != 1 || reports[0].scope != "phase" || reports[0].pattern != "([" {
		t.Fatalf("reports = %+v", reports)
	}
}

func TestDisabledPatternsIgnored(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	p.LoadPhasePatterns([]PhasePatternInput{
		{ID: 1, PhaseName: "join_time", PhasePriority: 100, Pattern: "Join", Enabled: false, Priority: 1},
	})
	if p.PhasePatternCount() != 0 {
		t.Fatalf("disabled pattern loaded")
	}
	if got := p.Process(MessageEvent{Text: "Join now"}); len(got) != 0 {
		t.Fatalf("disabled pattern matched: %+v", got)
	}
}

func TestProcessDeterministic(t *testing.T) {
	t.Parallel()

	p := newPipeline(nil)
	loadJoinPhases(p)
	p.LoadActionPatterns(
		[]ActionInput{{ID: 1, Name: "vote"}, {ID: 2, Name: "eat"}},
		[]ActionPatternInput{
			{ID: 10, ActionID: 1, Pattern: "now", Enabled: true, Priority: 7, Step: 1},
			{ID: 11, ActionID: 2, Pattern: "Join", Enabled: true, Priority: 7, Step: 1},
		},
	)

	event := MessageEvent{Text: "Join now"}
	first := p.Process(event)
	for i := 0; i < 10; i++ {
		if got := p.Process(event); !reflect.DeepEqual(got, first) {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
	}
}

package workercache

import (
	"testing"

	"github.com/go-faster/errors"

	"qmanager/internal/infra/store"
)

func TestGetActionsCachesLoaderResult(t *testing.T) {
	t.Parallel()

	c := New()
	calls := 0
	loader := func() ([]store.Action, error) {
		calls++
		return []store.Action{{ID: 1, Name: "vote"}}, nil
	}

	for i := 0; i < 3; i++ {
		actions, err := c.GetActions(loader)
		if err != nil {
			t.Fatalf("GetActions() error = %v", err)
		}
		if len(actions) != 1 || actions[0].Name != "vote" {
			t.Fatalf("GetActions() = %+v", actions)
		}
	}
	if calls != 1 {
		t.Fatalf("loader called %d times, want 1", calls)
	}

	st := c.GetStats()
	if st.Misses != 1 || st.Hits != 2 {
		t.Fatalf("stats = %+v, want 1 miss / 2 hits", st)
	}
}

func TestLoaderErrorNotCached(t *testing.T) {
	t.Parallel()

	c := New()
	calls := 0
	failing := func() ([]store.Action, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("db unavailable")
		}
		return []store.Action{{ID: 1, Name: "vote"}}, nil
	}

	if _, err := c.GetActions(failing); err == nil {
		t.Fatal("expected loader error on first call")
	}
	actions, err := c.GetActions(failing)
	if err != nil {
		t.Fatalf("GetActions() after error = %v", err)
	}
	if len(actions) != 1 {
		t.Fatalf("GetActions() = %+v", actions)
	}
}

func TestInvalidatePatternsDropsEverything(t *testing.T) {
	t.Parallel()

	c := New()
	loads := 0
	loader := func() ([]store.Action, error) {
		loads++
		return nil, nil
	}
	if _, err := c.GetActions(loader); err != nil {
		t.Fatal(err)
	}
	c.SetActionConfig(1, 7, ActionConfig{ButtonType: "player_list"})

	c.InvalidatePatterns()

	if _, err := c.GetActions(loader); err != nil {
		t.Fatal(err)
	}
	if loads != 2 {
		t.Fatalf("loader called %d times after invalidate, want 2", loads)
	}

	configLoads := 0
	_, err := c.GetActionConfig(1, 7, func() (ActionConfig, error) {
		configLoads++
		return ActionConfig{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if configLoads != 1 {
		t.Fatal("action config must be reloaded after InvalidatePatterns")
	}
}

func TestInvalidateTargetsScopedToAccount(t *testing.T) {
	t.Parallel()

	c := New()
	c.SetActionConfig(1, 7, ActionConfig{ButtonType: "fixed"})
	c.SetActionConfig(2, 7, ActionConfig{ButtonType: "yes_no"})

	c.InvalidateTargets(1)

	loads := 0
	got, err := c.GetActionConfig(2, 7, func() (ActionConfig, error) {
		loads++
		return ActionConfig{}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if loads != 0 || got.ButtonType != "yes_no" {
		t.Fatalf("account 2 config must survive InvalidateTargets(1), got %+v (loads=%d)", got, loads)
	}

	_, err = c.GetActionConfig(1, 7, func() (ActionConfig, error) {
		loads++
		return ActionConfig{ButtonType: "reloaded"}, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if loads != 1 {
		t.Fatal("account 1 config must be dropped by InvalidateTargets(1)")
	}
}

package regexcache

import (
	"fmt"
	"sync"
	"testing"
)

func TestGetCompilesAndCaches(t *testing.T) {
	t.Parallel()

	c := New()
	re1, err := c.Get(`\d+`)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	re2, err := c.Get(`\d+`)
	if err != nil {
		t.Fatalf("Get() second error = %v", err)
	}
	if re1 != re2 {
		t.Fatal("expected the same compiled instance from cache")
	}
	if !re1.MatchString("abc 123") {
		t.Fatal("compiled regex does not match expected input")
	}
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1", got)
	}
}

func TestGetInvalidPattern(t *testing.T) {
	t.Parallel()

	c := New()
	if _, err := c.Get(`([`); err == nil {
		t.Fatal("expected compile error for invalid pattern")
	}
	// Неудачная компиляция не должна оставлять запись.
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after failed compile = %d, want 0", got)
	}
}

func TestEvictionKeepsCapacity(t *testing.T) {
	t.Parallel()

	c := newWithCapacity(3)
	for i := 0; i < 5; i++ {
		if _, err := c.Get(fmt.Sprintf("p%d", i)); err != nil {
			t.Fatalf("Get(p%d) error = %v", i, err)
		}
	}
	if got := c.Len(); got != 3 {
		t.Fatalf("Len() = %d, want 3", got)
	}
	// p0 и p1 вытеснены, p4 — самый свежий.
	if _, ok := c.entries["p0"]; ok {
		t.Fatal("p0 should have been evicted")
	}
	if _, ok := c.entries["p4"]; !ok {
		t.Fatal("p4 should still be cached")
	}
}

func TestLRUOrderOnHit(t *testing.T) {
	t.Parallel()

	c := newWithCapacity(2)
	mustGet(t, c, "a")
	mustGet(t, c, "b")
	mustGet(t, c, "a") // обновляет позицию "a"
	mustGet(t, c, "c") // вытесняет "b"

	if _, ok := c.entries["b"]; ok {
		t.Fatal("b should have been evicted after a was touched")
	}
	if _, ok := c.entries["a"]; !ok {
		t.Fatal("a should survive eviction")
	}
}

func TestClear(t *testing.T) {
	t.Parallel()

	c := New()
	mustGet(t, c, "abc")
	c.Clear()
	if got := c.Len(); got != 0 {
		t.Fatalf("Len() after Clear = %d, want 0", got)
	}
}

func TestConcurrentGet(t *testing.T) {
	t.Parallel()

	c := New()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if _, err := c.Get(`game \d+`); err != nil {
					t.Errorf("Get() error = %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	if got := c.Len(); got != 1 {
		t.Fatalf("Len() = %d, want 1 after concurrent access to one pattern", got)
	}
}

func mustGet(t *testing.T, c *Cache, pattern string) {
	t.Helper()
	if _, err := c.Get(pattern); err != nil {
		t.Fatalf("Get(%q) error = %v", pattern, err)
	}
}

package pluginlog

import "testing"

func TestBuffer_ByPluginNewestFirst(t *testing.T) {
	b := NewBuffer(10)
	b.Log("p1", "info", "first", nil)
	b.Log("p2", "info", "other", nil)
	b.Log("p1", "warn", "second", nil)

	entries := b.ByPlugin("p1", 0)
	if len(entries) != 2 {
		t.Fatalf("len = %d, want 2", len(entries))
	}
	if entries[0].Message != "second" || entries[1].Message != "first" {
		t.Errorf("entries not newest-first: %+v", entries)
	}
}

func TestBuffer_WrapsAtCapacity(t *testing.T) {
	b := NewBuffer(3)
	for i := 0; i < 5; i++ {
		b.Log("p1", "info", "msg", nil)
	}
	if b.Count() != 3 {
		t.Errorf("Count = %d, want 3", b.Count())
	}
}

func TestBuffer_MinLevelFilters(t *testing.T) {
	b := NewBuffer(10)
	b.Log("p1", "debug", "d", nil)
	b.Log("p1", "error", "e", nil)
	b.Log("p1", "info", "i", nil)

	got := b.MinLevel("warn")
	if len(got) != 1 || got[0].Message != "e" {
		t.Errorf("MinLevel(warn) = %+v, want only the error entry", got)
	}
}

func TestBuffer_RecentCapsToLimit(t *testing.T) {
	b := NewBuffer(10)
	for i := 0; i < 5; i++ {
		b.Log("p1", "info", "msg", nil)
	}
	if got := b.Recent(2); len(got) != 2 {
		t.Errorf("Recent(2) len = %d, want 2", len(got))
	}
	if got := b.Recent(0); len(got) != 5 {
		t.Errorf("Recent(0) len = %d, want 5 (all)", len(got))
	}
}

func TestGlobal_ReturnsSameInstance(t *testing.T) {
	if Global() != Global() {
		t.Error("Global() should return the same singleton instance")
	}
}

package cache

import (
	"strings"
	"testing"
)

func TestKeyFormats(t *testing.T) {
	tests := []struct {
		name string
		got  string
		want string
	}{
		{"hierarchy", HierarchyKey("bk1"), "hierarchy:bk1"},
		{"breadcrumb", BreadcrumbKey("sc1"), "breadcrumb:sc1"},
		{"word count", WordCountKey("bk1"), "word-count:bk1"},
		{"ai context", AIContextKey("sc1"), "ai-context:scene:sc1"},
		{"permissions", PermissionsKey("u1", "bk1"), "permissions:u1:bk1"},
		{"metadata", MetadataKey("bk1"), "metadata:bk1"},
		{"chapter scenes", ChapterScenesKey("ch1"), "chapter-scenes:ch1"},
		{"lock", LockKey("fetch:hierarchy:bk1"), "lock:fetch:hierarchy:bk1"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s key = %q, want %q", tt.name, tt.got, tt.want)
		}
	}
}

func TestSearchKeyDeterministic(t *testing.T) {
	a := SearchKey("bk1", "the rain in act two")
	b := SearchKey("bk1", "the rain in act two")
	if a != b {
		t.Errorf("same query produced different keys: %q vs %q", a, b)
	}

	c := SearchKey("bk1", "the rain in act three")
	if a == c {
		t.Error("different queries produced the same key")
	}
}

func TestSearchKeyEncodesQuery(t *testing.T) {
	// Queries may contain the key separator; the encoding must keep it out
	// of the key structure.
	key := SearchKey("bk1", "colon : and / slash")
	if !strings.HasPrefix(key, "search:bk1:") {
		t.Fatalf("SearchKey = %q, want search:bk1: prefix", key)
	}
	suffix := strings.TrimPrefix(key, "search:bk1:")
	if strings.ContainsAny(suffix, ":/") {
		t.Errorf("encoded query %q leaks separator characters", suffix)
	}
}

func TestSearchPatternMatchesSearchKeys(t *testing.T) {
	pattern := SearchPattern("bk1")
	if pattern != "search:bk1:*" {
		t.Fatalf("SearchPattern = %q, want search:bk1:*", pattern)
	}

	key := SearchKey("bk1", "anything")
	if !strings.HasPrefix(key, strings.TrimSuffix(pattern, "*")) {
		t.Errorf("search key %q does not fall under pattern %q", key, pattern)
	}

	other := SearchKey("bk2", "anything")
	if strings.HasPrefix(other, strings.TrimSuffix(pattern, "*")) {
		t.Errorf("search key %q for another book falls under pattern %q", other, pattern)
	}
}

func TestFetchLockName(t *testing.T) {
	name := FetchLockName(HierarchyKey("bk1"))
	if name != "fetch:hierarchy:bk1" {
		t.Errorf("FetchLockName = %q, want fetch:hierarchy:bk1", name)
	}
	if LockKey(name) != "lock:fetch:hierarchy:bk1" {
		t.Errorf("LockKey(FetchLockName) = %q, want lock:fetch:hierarchy:bk1", LockKey(name))
	}
}

func TestClassOf(t *testing.T) {
	tests := []struct {
		key  string
		want string
	}{
		{HierarchyKey("bk1"), "hierarchy"},
		{BreadcrumbKey("sc1"), "breadcrumb"},
		{WordCountKey("bk1"), "word-count"},
		{SearchKey("bk1", "q"), "search"},
		{AIContextKey("sc1"), "ai-context"},
		{PermissionsKey("u1", "bk1"), "permissions"},
		{MetadataKey("bk1"), "metadata"},
		{"noseparator", "noseparator"},
	}
	for _, tt := range tests {
		if got := ClassOf(tt.key); got != tt.want {
			t.Errorf("ClassOf(%q) = %q, want %q", tt.key, got, tt.want)
		}
	}
}

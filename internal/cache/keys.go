package cache

import (
	"encoding/base64"
	"strings"
)

// Key classes. Every cached object is addressed by a key derived from its
// natural id; the same logical object always yields the same key.
const (
	classHierarchy     = "hierarchy"
	classBreadcrumb    = "breadcrumb"
	classWordCount     = "word-count"
	classSearch        = "search"
	classAIContext     = "ai-context"
	classPermissions   = "permissions"
	classMetadata      = "metadata"
	classChapterScenes = "chapter-scenes"
	classLock          = "lock"
)

// HierarchyKey addresses the full cached hierarchy blob for a book.
func HierarchyKey(bookID string) string {
	return classHierarchy + ":" + bookID
}

// BreadcrumbKey addresses the book-to-scene path for a single scene.
func BreadcrumbKey(sceneID string) string {
	return classBreadcrumb + ":" + sceneID
}

// WordCountKey addresses the word-count summary for a book.
func WordCountKey(bookID string) string {
	return classWordCount + ":" + bookID
}

// SearchKey addresses one cached search result set. The free-text query is
// base64url-encoded so arbitrary user input cannot produce separator or glob
// characters inside the key.
func SearchKey(bookID, query string) string {
	return classSearch + ":" + bookID + ":" + base64.RawURLEncoding.EncodeToString([]byte(query))
}

// SearchPattern matches every cached search result for a book.
func SearchPattern(bookID string) string {
	return classSearch + ":" + bookID + ":*"
}

// AIContextKey addresses the assembled scene context used for prompting.
func AIContextKey(sceneID string) string {
	return classAIContext + ":scene:" + sceneID
}

// PermissionsKey addresses one user's cached permission for one book.
func PermissionsKey(userID, bookID string) string {
	return classPermissions + ":" + userID + ":" + bookID
}

// MetadataKey addresses the derived hierarchy summary for a book.
func MetadataKey(bookID string) string {
	return classMetadata + ":" + bookID
}

// ChapterScenesKey addresses the chapter scene-id index maintained alongside
// the hierarchy cache so breadcrumb invalidation can target exact keys
// instead of scanning the breadcrumb namespace.
func ChapterScenesKey(chapterID string) string {
	return classChapterScenes + ":" + chapterID
}

// LockKey namespaces locks apart from data keys so lock contention never
// collides with cached values.
func LockKey(name string) string {
	return classLock + ":" + name
}

// FetchLockName is the lock name guarding a single cache fill.
func FetchLockName(key string) string {
	return "fetch:" + key
}

// ClassOf returns the key's class label (the segment before the first
// separator), used for metrics.
func ClassOf(key string) string {
	if i := strings.IndexByte(key, ':'); i > 0 {
		return key[:i]
	}
	return key
}

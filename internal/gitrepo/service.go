// Package gitrepo keeps a git history of scene drafts, one repository per
// scene. AI-generated drafts and manual edits both land here as commits.
package gitrepo

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"fictures/api/internal/store"

	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
)

// Draft is the versioned content of one scene.
type Draft struct {
	Title   string `json:"title"`
	Summary string `json:"summary"`
	POV     string `json:"pov"`
	Setting string `json:"setting"`
	Prose   string `json:"prose"`
}

type Service struct {
	baseDir string
	lockMu  sync.Mutex
	locks   map[string]*sync.Mutex
}

func New(baseDir string) *Service {
	return &Service{
		baseDir: baseDir,
		locks:   make(map[string]*sync.Mutex),
	}
}

// EnsureSceneRepo initializes the repository for a scene with a baseline
// commit. Calling it for an existing scene is a no-op.
func (s *Service) EnsureSceneRepo(sceneID string, initial Draft, author string) error {
	lock := s.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	path := s.repoPath(sceneID)
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat repo path: %w", err)
	}

	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create repo dir: %w", err)
	}

	repo, err := git.PlainInit(path, false)
	if err != nil {
		return fmt.Errorf("init repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("open worktree: %w", err)
	}
	payload, err := json.MarshalIndent(initial, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal initial draft: %w", err)
	}
	if err := os.WriteFile(filepath.Join(path, "scene.json"), append(payload, '\n'), 0o644); err != nil {
		return fmt.Errorf("write initial draft: %w", err)
	}
	if _, err := worktree.Add("scene.json"); err != nil {
		return fmt.Errorf("git add initial draft: %w", err)
	}
	hash, err := worktree.Commit("Import scene baseline", &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.fictures.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return fmt.Errorf("commit initial draft: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewHashReference(plumbing.NewBranchReferenceName("main"), hash)); err != nil {
		return fmt.Errorf("set main branch ref: %w", err)
	}
	if err := repo.Storer.SetReference(plumbing.NewSymbolicReference(plumbing.HEAD, plumbing.NewBranchReferenceName("main"))); err != nil {
		return fmt.Errorf("set HEAD to main: %w", err)
	}
	return nil
}

// CommitDraft records a new revision of the scene.
func (s *Service) CommitDraft(sceneID string, draft Draft, author, message string) (store.CommitInfo, error) {
	lock := s.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sceneID))
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	worktree, err := repo.Worktree()
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("open worktree: %w", err)
	}

	payload, err := json.MarshalIndent(draft, "", "  ")
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("marshal draft: %w", err)
	}
	repoRoot := worktree.Filesystem.Root()
	if err := os.WriteFile(filepath.Join(repoRoot, "scene.json"), append(payload, '\n'), 0o644); err != nil {
		return store.CommitInfo{}, fmt.Errorf("write scene.json: %w", err)
	}
	if _, err := worktree.Add("scene.json"); err != nil {
		return store.CommitInfo{}, fmt.Errorf("git add draft: %w", err)
	}

	hash, err := worktree.Commit(message, &git.CommitOptions{
		Author: &object.Signature{
			Name:  author,
			Email: fmt.Sprintf("%s@local.fictures.dev", sanitizeEmail(author)),
			When:  time.Now(),
		},
	})
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("commit draft: %w", err)
	}

	commitObj, err := repo.CommitObject(hash)
	if err != nil {
		return store.CommitInfo{}, fmt.Errorf("read commit object: %w", err)
	}
	return toCommitInfo(commitObj), nil
}

// HeadDraft returns the latest committed draft.
func (s *Service) HeadDraft(sceneID string) (Draft, store.CommitInfo, error) {
	lock := s.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sceneID))
	if err != nil {
		return Draft{}, store.CommitInfo{}, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return Draft{}, store.CommitInfo{}, fmt.Errorf("resolve main: %w", err)
	}

	commitObj, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return Draft{}, store.CommitInfo{}, fmt.Errorf("load commit object: %w", err)
	}

	draft, err := readDraftFromCommit(commitObj)
	if err != nil {
		return Draft{}, store.CommitInfo{}, err
	}
	return draft, toCommitInfo(commitObj), nil
}

// DraftByHash returns the draft as of a specific commit. Short hashes are
// resolved through the repo.
func (s *Service) DraftByHash(sceneID, hash string) (Draft, error) {
	lock := s.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sceneID))
	if err != nil {
		return Draft{}, fmt.Errorf("open repo: %w", err)
	}

	resolvedHash, err := resolveHash(repo, hash)
	if err != nil {
		return Draft{}, err
	}
	commitObj, err := repo.CommitObject(resolvedHash)
	if err != nil {
		return Draft{}, fmt.Errorf("read commit %s: %w", hash, err)
	}
	return readDraftFromCommit(commitObj)
}

// History lists revisions newest first, up to limit (0 means all).
func (s *Service) History(sceneID string, limit int) ([]store.CommitInfo, error) {
	lock := s.sceneLock(sceneID)
	lock.Lock()
	defer lock.Unlock()

	repo, err := git.PlainOpen(s.repoPath(sceneID))
	if err != nil {
		return nil, fmt.Errorf("open repo: %w", err)
	}

	ref, err := repo.Reference(plumbing.NewBranchReferenceName("main"), true)
	if err != nil {
		return nil, fmt.Errorf("resolve main: %w", err)
	}

	iter, err := repo.Log(&git.LogOptions{From: ref.Hash()})
	if err != nil {
		return nil, fmt.Errorf("read log: %w", err)
	}
	defer iter.Close()

	items := make([]store.CommitInfo, 0, limit)
	count := 0
	err = iter.ForEach(func(commitObj *object.Commit) error {
		items = append(items, toCommitInfo(commitObj))
		count++
		if limit > 0 && count >= limit {
			return io.EOF
		}
		return nil
	})
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("iterate log: %w", err)
	}
	return items, nil
}

// HasChanges reports whether two drafts differ.
func HasChanges(from, to Draft) bool {
	return from != to
}

func (s *Service) repoPath(sceneID string) string {
	return filepath.Join(s.baseDir, sceneID)
}

func (s *Service) sceneLock(sceneID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.locks[sceneID]
	if ok {
		return lock
	}
	lock = &sync.Mutex{}
	s.locks[sceneID] = lock
	return lock
}

func readDraftFromCommit(commitObj *object.Commit) (Draft, error) {
	file, err := commitObj.File("scene.json")
	if err != nil {
		return Draft{}, fmt.Errorf("load scene.json from commit: %w", err)
	}
	reader, err := file.Reader()
	if err != nil {
		return Draft{}, fmt.Errorf("open draft reader: %w", err)
	}
	defer reader.Close()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return Draft{}, fmt.Errorf("read draft bytes: %w", err)
	}

	var draft Draft
	if err := json.Unmarshal(bytes, &draft); err != nil {
		return Draft{}, fmt.Errorf("decode commit draft: %w", err)
	}
	return draft, nil
}

func toCommitInfo(commitObj *object.Commit) store.CommitInfo {
	return store.CommitInfo{
		Hash:      commitObj.Hash.String()[:7],
		Message:   commitObj.Message,
		Author:    commitObj.Author.Name,
		CreatedAt: commitObj.Author.When,
	}
}

func sanitizeEmail(input string) string {
	bytes := make([]rune, 0, len(input))
	for _, r := range input {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			bytes = append(bytes, r)
			continue
		}
		if r == ' ' || r == '-' || r == '_' {
			bytes = append(bytes, '.')
		}
	}
	if len(bytes) == 0 {
		return "user"
	}
	return string(bytes)
}

func resolveHash(repo *git.Repository, hash string) (plumbing.Hash, error) {
	if len(hash) == 40 {
		return plumbing.NewHash(hash), nil
	}
	resolved, err := repo.ResolveRevision(plumbing.Revision(hash))
	if err != nil {
		return plumbing.ZeroHash, fmt.Errorf("resolve hash %s: %w", hash, err)
	}
	return *resolved, nil
}

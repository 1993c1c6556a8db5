package novel

import (
	"context"
	"database/sql"
	"math"
	"strings"
	"time"

	"fictures/api/internal/metrics"
	"fictures/api/internal/store"
)

// Source resolves a scene id to its book's full nested tree
type Source interface {
	HierarchyForScene(ctx context.Context, sceneID string) (*store.BookHierarchy, error)
}

const defaultSiblingWindow = 2

// Placeholder text substituted for absent sub-fields. A character with no
// background still appears in the profile list; a chapter with no summary
// still holds a slot in the part's lineup.
const (
	placeholderBackground  = "Background not yet established."
	placeholderPersonality = "Personality not yet defined."
	placeholderGoals       = "Goals not yet defined."
	placeholderSummary     = "No summary yet."
)

// Assembler builds HierarchicalContext values from raw hierarchy data. It
// holds no cache of its own; every Assemble call reflects the source.
type Assembler struct {
	src    Source
	window int
}

// NewAssembler returns an Assembler with the given sibling window per side
// (default 2 when window is zero or negative).
func NewAssembler(src Source, window int) *Assembler {
	if window <= 0 {
		window = defaultSiblingWindow
	}
	return &Assembler{src: src, window: window}
}

// Assemble fetches the tree containing sceneID and builds its context at the
// given depth. A scene the source cannot resolve yields a ContextBuildError.
func (a *Assembler) Assemble(ctx context.Context, sceneID string, depth Depth) (*HierarchicalContext, error) {
	start := time.Now()
	defer func() {
		metrics.ContextAssemblyDuration.Observe(time.Since(start).Seconds())
	}()

	h, err := a.src.HierarchyForScene(ctx, sceneID)
	if err != nil {
		return nil, &ContextBuildError{SceneID: sceneID, Cause: err}
	}

	c, err := BuildContext(h, sceneID, a.window)
	if err != nil {
		return nil, err
	}
	if depth != "" && depth != DepthFull {
		c = c.AtDepth(depth)
	}
	return c, nil
}

// BuildContext assembles the full-depth context for sceneID from an already
// fetched tree. window bounds the previous/next sibling lists per side.
func BuildContext(h *store.BookHierarchy, sceneID string, window int) (*HierarchicalContext, error) {
	if h == nil {
		return nil, &ContextBuildError{SceneID: sceneID, Cause: sql.ErrNoRows}
	}
	if window <= 0 {
		window = defaultSiblingWindow
	}

	loc, ok := locateScene(h, sceneID)
	if !ok {
		return nil, &ContextBuildError{SceneID: sceneID, Cause: sql.ErrNoRows}
	}
	cur := loc.chapter.Scenes[loc.index]

	return &HierarchicalContext{
		Book: BookContext{
			ID:                     h.Book.ID,
			Title:                  h.Book.Title,
			Genre:                  h.Book.Genre,
			OverallProgressPercent: ProgressionPercent(loc.global, loc.total),
			WordCount:              loc.words,
		},
		Story: buildStory(loc.story, cur),
		Part:  buildPart(loc.part),
		Chapter: ChapterContext{
			ID:                 loc.chapter.ID,
			Title:              loc.chapter.Title,
			Summary:            orPlaceholder(loc.chapter.Summary, placeholderSummary),
			POV:                loc.chapter.POV,
			Setting:            loc.chapter.Setting,
			ProgressionPercent: ProgressionPercent(loc.index, len(loc.chapter.Scenes)),
		},
		Scene: buildScene(loc.chapter, loc.index, window),
	}, nil
}

// ProgressionPercent is the rounded position of the scene at index within
// total scenes. Always in [0,100]; 0 for an empty list or unknown index.
func ProgressionPercent(index, total int) int {
	if total <= 0 || index < 0 {
		return 0
	}
	p := int(math.Round(100 * float64(index) / float64(total)))
	if p > 100 {
		p = 100
	}
	return p
}

type sceneLocation struct {
	story   *store.StoryNode
	part    *store.PartNode
	chapter *store.ChapterNode
	index   int
	global  int
	total   int
	words   int
}

// locateScene walks the tree once, finding the scene and accumulating the
// book-wide totals the Book level reports.
func locateScene(h *store.BookHierarchy, sceneID string) (sceneLocation, bool) {
	var loc sceneLocation
	found := false
	global := 0
	for si := range h.Stories {
		story := &h.Stories[si]
		for pi := range story.Parts {
			part := &story.Parts[pi]
			for ci := range part.Chapters {
				chapter := &part.Chapters[ci]
				for i := range chapter.Scenes {
					if !found && chapter.Scenes[i].ID == sceneID {
						loc.story = story
						loc.part = part
						loc.chapter = chapter
						loc.index = i
						loc.global = global
						found = true
					}
					loc.words += countWords(chapter.Scenes[i].Content)
					global++
				}
			}
		}
	}
	loc.total = global
	return loc, found
}

func countWords(s string) int {
	return len(strings.Fields(s))
}

func buildStory(story *store.StoryNode, cur store.Scene) StoryContext {
	sc := StoryContext{
		ID:                story.ID,
		Title:             story.Title,
		Synopsis:          story.Synopsis,
		Themes:            append([]string(nil), story.Themes...),
		WorldSettings:     story.WorldSettings,
		CharacterProfiles: buildProfiles(story.Characters, cur),
	}
	if story.PlotAct1 != "" || story.PlotAct2 != "" || story.PlotAct3 != "" {
		sc.PlotStructure = &PlotStructure{
			Act1: story.PlotAct1,
			Act2: story.PlotAct2,
			Act3: story.PlotAct3,
		}
	}
	return sc
}

// buildProfiles converts the story cast to profiles, ordering characters who
// appear in the current scene first so depth caps never cut them.
func buildProfiles(cast []store.Character, cur store.Scene) []Character {
	text := cur.Title + "\n" + cur.Summary + "\n" + cur.Content
	var mentioned, rest []Character
	for _, ch := range cast {
		p := Character{
			Name:          ch.Name,
			Background:    orPlaceholder(ch.Background, placeholderBackground),
			Personality:   orPlaceholder(ch.Personality, placeholderPersonality),
			Goals:         orPlaceholder(ch.Goals, placeholderGoals),
			Relationships: append([]string{}, ch.Relationships...),
		}
		if ch.Age != nil {
			age := *ch.Age
			p.Age = &age
		}
		if ch.Name != "" && strings.Contains(text, ch.Name) {
			mentioned = append(mentioned, p)
		} else {
			rest = append(rest, p)
		}
	}
	return append(mentioned, rest...)
}

func buildPart(part *store.PartNode) PartContext {
	pc := PartContext{
		ID:            part.ID,
		Title:         part.Title,
		Description:   part.Description,
		ThematicFocus: part.ThematicFocus,
	}
	for _, ch := range part.Chapters {
		pc.ChapterSummaries = append(pc.ChapterSummaries, orPlaceholder(ch.Summary, placeholderSummary))
	}
	for _, arc := range part.Arcs {
		pc.CharacterArcs = append(pc.CharacterArcs, CharacterArc{
			Character:    arc.Character,
			Arc:          arc.Arc,
			CurrentState: arc.CurrentState,
		})
	}
	return pc
}

func buildScene(chapter *store.ChapterNode, index, window int) SceneContext {
	cur := chapter.Scenes[index]
	sc := SceneContext{
		Current: SceneDetail{
			ID:      cur.ID,
			Title:   cur.Title,
			Summary: cur.Summary,
			Content: cur.Content,
			Status:  cur.Status,
		},
		Purpose:   cur.Purpose,
		Conflicts: append([]string{}, cur.Conflicts...),
	}
	for i := index - window; i < index; i++ {
		if i < 0 {
			continue
		}
		sc.Previous = append(sc.Previous, summarize(chapter.Scenes[i]))
	}
	for i := index + 1; i <= index+window && i < len(chapter.Scenes); i++ {
		sc.Next = append(sc.Next, summarize(chapter.Scenes[i]))
	}
	return sc
}

func summarize(s store.Scene) SceneSummary {
	return SceneSummary{ID: s.ID, Title: s.Title, Summary: orPlaceholder(s.Summary, placeholderSummary)}
}

func orPlaceholder(s, placeholder string) string {
	if strings.TrimSpace(s) == "" {
		return placeholder
	}
	return s
}

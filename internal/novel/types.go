// Package novel assembles the denormalized writing context around a single
// scene and renders it for editors and LLM prompts.
package novel

import "fmt"

// Depth selects how much optional material an assembled context keeps.
type Depth string

const (
	DepthMinimal  Depth = "minimal"
	DepthStandard Depth = "standard"
	DepthDetailed Depth = "detailed"
	DepthFull     Depth = "full"
)

// ParseDepth maps a request string to a Depth, defaulting to full.
func ParseDepth(s string) (Depth, error) {
	switch Depth(s) {
	case DepthMinimal, DepthStandard, DepthDetailed, DepthFull:
		return Depth(s), nil
	case "":
		return DepthFull, nil
	}
	return "", fmt.Errorf("unknown context depth %q", s)
}

// HierarchicalContext is the assembled snapshot of one scene's place in its
// book: all five levels plus bounded sibling windows. It is built whole on a
// cache miss and never patched in place.
type HierarchicalContext struct {
	Book    BookContext    `json:"book"`
	Story   StoryContext   `json:"story"`
	Part    PartContext    `json:"part"`
	Chapter ChapterContext `json:"chapter"`
	Scene   SceneContext   `json:"scene"`
}

// BookContext is the root level of an assembled context
type BookContext struct {
	ID                     string `json:"id"`
	Title                  string `json:"title"`
	Genre                  string `json:"genre"`
	OverallProgressPercent int    `json:"overallProgressPercent"`
	WordCount              int    `json:"wordCount"`
}

// StoryContext carries the narrative frame: synopsis, themes, world, cast
type StoryContext struct {
	ID                string         `json:"id"`
	Title             string         `json:"title"`
	Synopsis          string         `json:"synopsis"`
	Themes            []string       `json:"themes"`
	WorldSettings     string         `json:"worldSettings,omitempty"`
	CharacterProfiles []Character    `json:"characterProfiles"`
	PlotStructure     *PlotStructure `json:"plotStructure,omitempty"`
}

// PartContext summarizes the enclosing part and its chapter lineup
type PartContext struct {
	ID               string         `json:"id"`
	Title            string         `json:"title"`
	Description      string         `json:"description"`
	ThematicFocus    string         `json:"thematicFocus"`
	ChapterSummaries []string       `json:"chapterSummaries"`
	CharacterArcs    []CharacterArc `json:"characterArcs"`
}

// ChapterContext is the enclosing chapter with the scene's position in it
type ChapterContext struct {
	ID                 string `json:"id"`
	Title              string `json:"title"`
	Summary            string `json:"summary"`
	POV                string `json:"pov"`
	Setting            string `json:"setting"`
	ProgressionPercent int    `json:"progressionPercent"`
}

// SceneContext is the focal scene plus its sibling windows
type SceneContext struct {
	Current   SceneDetail    `json:"current"`
	Previous  []SceneSummary `json:"previous"`
	Next      []SceneSummary `json:"next"`
	Purpose   string         `json:"purpose"`
	Conflicts []string       `json:"conflicts"`
}

// SceneDetail is the full current scene
type SceneDetail struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
	Content string `json:"content"`
	Status  string `json:"status"`
}

// SceneSummary is the abbreviated form used for sibling scenes
type SceneSummary struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Summary string `json:"summary"`
}

// Character is one profile in the story's cast. Missing biography fields are
// filled with placeholder text, never dropped.
type Character struct {
	Name          string   `json:"name"`
	Age           *int     `json:"age,omitempty"`
	Background    string   `json:"background"`
	Personality   string   `json:"personality"`
	Goals         string   `json:"goals"`
	Relationships []string `json:"relationships"`
}

// CharacterArc tracks one character's movement across the current part
type CharacterArc struct {
	Character    string `json:"character"`
	Arc          string `json:"arc"`
	CurrentState string `json:"currentState"`
}

// PlotStructure is the three-act outline when the story defines one
type PlotStructure struct {
	Act1 string `json:"act1,omitempty"`
	Act2 string `json:"act2,omitempty"`
	Act3 string `json:"act3,omitempty"`
}

// ContextBuildError reports that a context could not be assembled for a
// scene, usually because the id does not resolve. It is a semantic failure
// and propagates to the caller, unlike cache infrastructure errors.
type ContextBuildError struct {
	SceneID string
	Cause   error
}

func (e *ContextBuildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("build context for scene %s: %v", e.SceneID, e.Cause)
	}
	return fmt.Sprintf("build context for scene %s", e.SceneID)
}

func (e *ContextBuildError) Unwrap() error {
	return e.Cause
}

// AtDepth returns a copy trimmed to the given depth. Minimal drops character
// profiles and world settings, standard keeps at most 3 profiles, detailed at
// most 10, full keeps everything. The receiver is never modified.
func (c *HierarchicalContext) AtDepth(d Depth) *HierarchicalContext {
	out := *c
	out.Story.Themes = append([]string(nil), c.Story.Themes...)
	out.Story.CharacterProfiles = copyCharacters(c.Story.CharacterProfiles)
	if c.Story.PlotStructure != nil {
		ps := *c.Story.PlotStructure
		out.Story.PlotStructure = &ps
	}
	out.Part.ChapterSummaries = append([]string(nil), c.Part.ChapterSummaries...)
	out.Part.CharacterArcs = append([]CharacterArc(nil), c.Part.CharacterArcs...)
	out.Scene.Previous = append([]SceneSummary(nil), c.Scene.Previous...)
	out.Scene.Next = append([]SceneSummary(nil), c.Scene.Next...)
	out.Scene.Conflicts = append([]string(nil), c.Scene.Conflicts...)

	switch d {
	case DepthMinimal:
		out.Story.CharacterProfiles = nil
		out.Story.WorldSettings = ""
	case DepthStandard:
		if len(out.Story.CharacterProfiles) > 3 {
			out.Story.CharacterProfiles = out.Story.CharacterProfiles[:3]
		}
	case DepthDetailed:
		if len(out.Story.CharacterProfiles) > 10 {
			out.Story.CharacterProfiles = out.Story.CharacterProfiles[:10]
		}
	}
	return &out
}

func copyCharacters(in []Character) []Character {
	if in == nil {
		return nil
	}
	out := make([]Character, len(in))
	for i, c := range in {
		out[i] = c
		if c.Age != nil {
			age := *c.Age
			out[i].Age = &age
		}
		out[i].Relationships = append([]string(nil), c.Relationships...)
	}
	return out
}

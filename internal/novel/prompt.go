package novel

import (
	"fmt"
	"strings"
)

// RenderOptions selects which optional sections a rendered prompt includes
type RenderOptions struct {
	IncludeCharacterProfiles bool
	IncludePlotStructure     bool
	IncludeWorldSettings     bool
}

// DefaultRenderOptions enables every section.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		IncludeCharacterProfiles: true,
		IncludePlotStructure:     true,
		IncludeWorldSettings:     true,
	}
}

// RenderPrompt flattens an assembled context into a labeled plain-text block
// for LLM consumption. Output is byte-identical for identical input and
// options; no clock, randomness, or cache is involved.
func RenderPrompt(c *HierarchicalContext, opts RenderOptions) string {
	var b strings.Builder

	section(&b, "BOOK")
	fmt.Fprintf(&b, "Title: %s\n", c.Book.Title)
	if c.Book.Genre != "" {
		fmt.Fprintf(&b, "Genre: %s\n", c.Book.Genre)
	}
	fmt.Fprintf(&b, "Progress: %d%% complete, %d words written\n", c.Book.OverallProgressPercent, c.Book.WordCount)

	section(&b, "STORY")
	if c.Story.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Story.Title)
	}
	if c.Story.Synopsis != "" {
		fmt.Fprintf(&b, "Synopsis: %s\n", c.Story.Synopsis)
	}
	if len(c.Story.Themes) > 0 {
		fmt.Fprintf(&b, "Themes: %s\n", strings.Join(c.Story.Themes, ", "))
	}

	if opts.IncludeWorldSettings && c.Story.WorldSettings != "" {
		section(&b, "WORLD")
		fmt.Fprintf(&b, "%s\n", c.Story.WorldSettings)
	}

	if opts.IncludeCharacterProfiles && len(c.Story.CharacterProfiles) > 0 {
		section(&b, "CHARACTERS")
		for _, ch := range c.Story.CharacterProfiles {
			if ch.Age != nil {
				fmt.Fprintf(&b, "- %s (age %d)\n", ch.Name, *ch.Age)
			} else {
				fmt.Fprintf(&b, "- %s\n", ch.Name)
			}
			fmt.Fprintf(&b, "  Background: %s\n", ch.Background)
			fmt.Fprintf(&b, "  Personality: %s\n", ch.Personality)
			fmt.Fprintf(&b, "  Goals: %s\n", ch.Goals)
			if len(ch.Relationships) > 0 {
				fmt.Fprintf(&b, "  Relationships: %s\n", strings.Join(ch.Relationships, ", "))
			}
		}
	}

	if opts.IncludePlotStructure && c.Story.PlotStructure != nil {
		section(&b, "PLOT STRUCTURE")
		if c.Story.PlotStructure.Act1 != "" {
			fmt.Fprintf(&b, "Act 1: %s\n", c.Story.PlotStructure.Act1)
		}
		if c.Story.PlotStructure.Act2 != "" {
			fmt.Fprintf(&b, "Act 2: %s\n", c.Story.PlotStructure.Act2)
		}
		if c.Story.PlotStructure.Act3 != "" {
			fmt.Fprintf(&b, "Act 3: %s\n", c.Story.PlotStructure.Act3)
		}
	}

	section(&b, "CURRENT PART")
	if c.Part.Title != "" {
		fmt.Fprintf(&b, "Title: %s\n", c.Part.Title)
	}
	if c.Part.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", c.Part.Description)
	}
	if c.Part.ThematicFocus != "" {
		fmt.Fprintf(&b, "Thematic focus: %s\n", c.Part.ThematicFocus)
	}
	if len(c.Part.ChapterSummaries) > 0 {
		fmt.Fprintf(&b, "Chapters in this part:\n")
		for i, s := range c.Part.ChapterSummaries {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, s)
		}
	}
	if len(c.Part.CharacterArcs) > 0 {
		fmt.Fprintf(&b, "Character arcs:\n")
		for _, arc := range c.Part.CharacterArcs {
			fmt.Fprintf(&b, "  - %s: %s (currently: %s)\n", arc.Character, arc.Arc, arc.CurrentState)
		}
	}

	section(&b, "CURRENT CHAPTER")
	fmt.Fprintf(&b, "Title: %s\n", c.Chapter.Title)
	fmt.Fprintf(&b, "Summary: %s\n", c.Chapter.Summary)
	if c.Chapter.POV != "" {
		fmt.Fprintf(&b, "Point of view: %s\n", c.Chapter.POV)
	}
	if c.Chapter.Setting != "" {
		fmt.Fprintf(&b, "Setting: %s\n", c.Chapter.Setting)
	}
	fmt.Fprintf(&b, "Progression: %d%% through this chapter\n", c.Chapter.ProgressionPercent)

	section(&b, "CURRENT SCENE")
	fmt.Fprintf(&b, "Title: %s\n", c.Scene.Current.Title)
	if c.Scene.Current.Status != "" {
		fmt.Fprintf(&b, "Status: %s\n", c.Scene.Current.Status)
	}
	if c.Scene.Purpose != "" {
		fmt.Fprintf(&b, "Purpose: %s\n", c.Scene.Purpose)
	}
	if len(c.Scene.Conflicts) > 0 {
		fmt.Fprintf(&b, "Conflicts: %s\n", strings.Join(c.Scene.Conflicts, "; "))
	}
	if c.Scene.Current.Content != "" {
		fmt.Fprintf(&b, "Content:\n%s\n", c.Scene.Current.Content)
	}

	if len(c.Scene.Previous) > 0 {
		section(&b, "PREVIOUS SCENES")
		for _, s := range c.Scene.Previous {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Summary)
		}
	}

	if len(c.Scene.Next) > 0 {
		section(&b, "UPCOMING SCENES")
		for _, s := range c.Scene.Next {
			fmt.Fprintf(&b, "- %s: %s\n", s.Title, s.Summary)
		}
	}

	return b.String()
}

func section(b *strings.Builder, title string) {
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	fmt.Fprintf(b, "=== %s ===\n", title)
}

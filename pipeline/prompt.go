package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/language"
	"golang.org/x/text/language/display"
)

// maxScriptWords keeps ad copy short enough for a single lip-synced take.
const maxScriptWords = 60

// Prompt renders the instruction sent to language-model script providers.
func (in ScriptInput) Prompt() string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write a spoken advertisement script of at most %d words for %q", maxScriptWords, in.SubjectName)
	if in.Category != "" {
		fmt.Fprintf(&b, ", a %s product", in.Category)
	}
	b.WriteString(".\n")
	if in.Tagline != "" {
		fmt.Fprintf(&b, "Tagline: %s\n", in.Tagline)
	}
	if in.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", in.Description)
	}
	fmt.Fprintf(&b, "Language: %s\n", languageName(in.Language))
	fmt.Fprintf(&b, "Emotion: %s\n", in.Emotion)
	if in.Tone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", in.Tone)
	}
	b.WriteString("Reply with the script text only: no title, no stage directions, no quotes.")
	return b.String()
}

// CleanScriptText normalizes model output into a single speakable paragraph.
func CleanScriptText(s string) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"'“”")
	s = strings.Join(strings.Fields(s), " ")

	words := strings.Fields(s)
	if len(words) > maxScriptWords*2 {
		s = strings.Join(words[:maxScriptWords*2], " ")
	}
	return s
}

// languageName returns the English name of a BCP 47 tag, or the tag itself.
func languageName(tag string) string {
	t, err := language.Parse(tag)
	if err != nil {
		return tag
	}
	if name := display.English.Tags().Name(t); name != "" {
		return name
	}
	return tag
}

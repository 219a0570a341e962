// Package catalog provides the collaborators the pipeline reads from and
// reports to: subject metadata, user preferences and a log of generated ads.
package catalog

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/caarlos0/env/v11"

	"github.com/sunrich/adreel/pipeline"
)

// Catalog is an in-memory subject catalog seeded from configuration.
type Catalog struct {
	mu       sync.RWMutex
	subjects map[string]pipeline.SubjectMetadata
}

// New creates a catalog holding subjects.
func New(subjects []pipeline.SubjectMetadata) *Catalog {
	c := &Catalog{subjects: make(map[string]pipeline.SubjectMetadata, len(subjects))}
	for _, s := range subjects {
		c.Put(s)
	}
	return c
}

// Put adds or replaces a subject.
func (c *Catalog) Put(s pipeline.SubjectMetadata) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subjects[strings.TrimSpace(s.Ref)] = s
}

// SubjectMetadata returns the subject with the given reference.
func (c *Catalog) SubjectMetadata(ctx context.Context, ref string) (pipeline.SubjectMetadata, error) {
	if err := ctx.Err(); err != nil {
		return pipeline.SubjectMetadata{}, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.subjects[ref]
	if !ok {
		return pipeline.SubjectMetadata{}, &pipeline.NotFoundError{Kind: "subject", ID: ref}
	}
	return s, nil
}

// List returns every subject ordered by reference.
func (c *Catalog) List() []pipeline.SubjectMetadata {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]pipeline.SubjectMetadata, 0, len(c.subjects))
	for _, s := range c.subjects {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref < out[j].Ref })
	return out
}

// Preferences are user preferences read from the environment.
type Preferences struct {
	Language string `env:"ADREEL_PREFERRED_LANGUAGE"`
	Tone     string `env:"ADREEL_PREFERRED_TONE"`
}

// PreferencesFromEnv parses the preferences once.
func PreferencesFromEnv() (*Preferences, error) {
	p, err := env.ParseAs[Preferences]()
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// Preferences implements pipeline.PreferenceSource.
func (p *Preferences) Preferences(context.Context) (pipeline.Preferences, error) {
	return pipeline.Preferences{Language: p.Language, Tone: p.Tone}, nil
}

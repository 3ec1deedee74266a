package ltm

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Narrative is a cross-episode thematic summary stored as Markdown with YAML
// front-matter (spec.md §6: `{narrative_id, category, related_memories,
// created_at, updated_at}`), distinct from a single-episode Reflection
// (SPEC_FULL.md §C.3).
type Narrative struct {
	ID              string    `yaml:"narrative_id"`
	Category        Category  `yaml:"category"`
	RelatedMemories []string  `yaml:"related_memories,omitempty"`
	CreatedAt       time.Time `yaml:"created_at"`
	UpdatedAt       time.Time `yaml:"updated_at"`

	// Title and Content are the Markdown body, not part of the front-matter.
	Title   string `yaml:"-"`
	Content string `yaml:"-"`
}

type narrativeFrontMatter struct {
	NarrativeID     string    `yaml:"narrative_id"`
	Category        Category  `yaml:"category"`
	RelatedMemories []string  `yaml:"related_memories,omitempty"`
	CreatedAt       time.Time `yaml:"created_at"`
	UpdatedAt       time.Time `yaml:"updated_at"`
}

func (s *Store) narrativeDir(userID string) string {
	return filepath.Join(s.userDir(userID), "narratives")
}

func (s *Store) narrativePath(userID, id string) string {
	return filepath.Join(s.narrativeDir(userID), id+".md")
}

// AddNarrative writes a narrative memory as Markdown with YAML front-matter
// under {storageRoot}/<userId>/narratives/<id>.md.
func (s *Store) AddNarrative(userID string, n *Narrative) error {
	if userID == "" {
		return errors.New("ltm: user id is required")
	}
	if n == nil || n.ID == "" {
		return errors.New("ltm: narrative id is required")
	}
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(s.narrativeDir(userID), 0o755); err != nil {
		return fmt.Errorf("ltm: create narratives dir: %w", err)
	}
	return os.WriteFile(s.narrativePath(userID, n.ID), []byte(encodeNarrative(n)), 0o644)
}

// Narrative loads a single narrative memory by id.
func (s *Store) Narrative(userID, id string) (*Narrative, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	data, err := os.ReadFile(s.narrativePath(userID, id))
	if err != nil {
		return nil, fmt.Errorf("ltm: read narrative: %w", err)
	}
	return decodeNarrative(data)
}

// Narratives loads every narrative memory for a user, most recently updated
// first. Files that fail to parse are skipped rather than aborting the
// whole listing.
func (s *Store) Narratives(userID string) ([]*Narrative, error) {
	lock := s.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := os.ReadDir(s.narrativeDir(userID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ltm: list narratives: %w", err)
	}

	var out []*Narrative
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.narrativeDir(userID), e.Name()))
		if err != nil {
			continue
		}
		n, err := decodeNarrative(data)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func encodeNarrative(n *Narrative) string {
	fm := narrativeFrontMatter{
		NarrativeID:     n.ID,
		Category:        n.Category,
		RelatedMemories: n.RelatedMemories,
		CreatedAt:       n.CreatedAt,
		UpdatedAt:       n.UpdatedAt,
	}
	body, err := yaml.Marshal(fm)
	if err != nil {
		body = []byte{}
	}
	var b bytes.Buffer
	b.WriteString("---\n")
	b.Write(body)
	b.WriteString("---\n")
	if n.Title != "" {
		b.WriteString("# " + n.Title + "\n\n")
	}
	b.WriteString(n.Content)
	return b.String()
}

var frontMatterDelim = []byte("---\n")

func decodeNarrative(data []byte) (*Narrative, error) {
	if !bytes.HasPrefix(data, frontMatterDelim) {
		return nil, errors.New("ltm: narrative missing front matter")
	}
	rest := data[len(frontMatterDelim):]
	end := bytes.Index(rest, frontMatterDelim)
	if end < 0 {
		return nil, errors.New("ltm: narrative front matter not terminated")
	}
	var fm narrativeFrontMatter
	if err := yaml.Unmarshal(rest[:end], &fm); err != nil {
		return nil, fmt.Errorf("ltm: decode front matter: %w", err)
	}

	body := strings.TrimLeft(string(rest[end+len(frontMatterDelim):]), "\n")
	title := ""
	content := body
	if strings.HasPrefix(body, "# ") {
		if nl := strings.Index(body, "\n"); nl >= 0 {
			title = strings.TrimPrefix(body[:nl], "# ")
			content = strings.TrimLeft(body[nl+1:], "\n")
		}
	}

	return &Narrative{
		ID:              fm.NarrativeID,
		Category:        fm.Category,
		RelatedMemories: fm.RelatedMemories,
		CreatedAt:       fm.CreatedAt,
		UpdatedAt:       fm.UpdatedAt,
		Title:           title,
		Content:         content,
	}, nil
}

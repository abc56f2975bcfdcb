package skills

import (
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/weaverhq/weaver/internal/models"
)

// NewRegistry returns a registry seeded with the builtin catalog.
func NewRegistry() *Registry {
	r := &Registry{skills: make(map[string]*Skill)}
	for _, s := range builtinCatalog() {
		r.skills[s.Name] = s
	}
	return r
}

// LoadDirectory scans a directory recursively for *.md skill files and
// overlays them onto the catalog by name. A missing directory is not an
// error (overlays are optional).
func (r *Registry) LoadDirectory(root string) error {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("stat %s: %w", root, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}

	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || filepath.Ext(path) != ".md" || d.Name() == "README.md" {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read skill file %s: %w", path, err)
		}
		skill, err := LoadSkill(bytes.NewReader(content))
		if err != nil {
			return fmt.Errorf("parse skill from %s: %w", path, err)
		}

		r.mu.Lock()
		r.skills[skill.Name] = skill
		r.mu.Unlock()
		return nil
	})
}

// Get retrieves a skill by name.
func (r *Registry) Get(name string) (*Skill, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.skills[name]
	return s, ok
}

// Known reports whether the name is in the catalog.
func (r *Registry) Known(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// All returns every enabled skill sorted by priority.
func (r *Registry) All() []*Skill {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Skill, 0, len(r.skills))
	for _, s := range r.skills {
		if s.Enabled {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

// Validate rejects unknown requires/suggests/conflicts references and
// require cycles. Called once after overlays are loaded.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for name, s := range r.skills {
		for _, dep := range append(append([]string{}, s.Requires...), s.Suggests...) {
			if _, ok := r.skills[dep]; !ok {
				return fmt.Errorf("skill %q references unknown skill %q", name, dep)
			}
		}
		for _, c := range s.Conflicts {
			if _, ok := r.skills[c]; !ok {
				return fmt.Errorf("skill %q conflicts with unknown skill %q", name, c)
			}
		}
	}

	// Cycle check over requires edges only. Suggests expand a single hop in
	// Resolve, so mutual suggestions between skills are legal.
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int)
	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case gray:
			return fmt.Errorf("skill dependency cycle through %q", name)
		case black:
			return nil
		}
		color[name] = gray
		for _, dep := range r.skills[name].Requires {
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		return nil
	}
	for name := range r.skills {
		if err := visit(name); err != nil {
			return err
		}
	}
	return nil
}

// Resolve expands a scored selection with its dependency closure and
// enforces conflicts. Requires are added transitively with
// FromDependency=true; suggests are added one hop only when absent; when
// two selected skills conflict, the lower-scored one is dropped. The
// result is sorted by catalog priority.
func (r *Registry) Resolve(selected []models.SelectedSkill) (models.SkillSelection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	present := make(map[string]*models.SelectedSkill)
	var order []string
	add := func(sk models.SelectedSkill) {
		if existing, ok := present[sk.Name]; ok {
			// Keep the higher score; an explicit selection beats a
			// dependency-added one.
			if sk.Score > existing.Score || (existing.FromDependency && !sk.FromDependency) {
				cp := sk
				present[sk.Name] = &cp
			}
			return
		}
		cp := sk
		present[sk.Name] = &cp
		order = append(order, sk.Name)
	}

	for _, sk := range selected {
		if _, ok := r.skills[sk.Name]; !ok {
			return models.SkillSelection{}, fmt.Errorf("unknown skill %q", sk.Name)
		}
		add(sk)
	}

	// Transitive closure over requires.
	for i := 0; i < len(order); i++ {
		s := r.skills[order[i]]
		for _, dep := range s.Requires {
			add(models.SelectedSkill{Name: dep, FromDependency: true})
		}
	}

	// Suggests: one hop, only when absent.
	for _, name := range append([]string(nil), order...) {
		for _, dep := range r.skills[name].Suggests {
			if _, ok := present[dep]; !ok {
				add(models.SelectedSkill{Name: dep, FromDependency: true})
			}
		}
	}

	// Conflicts: drop the lower-scored side.
	for _, name := range order {
		a, ok := present[name]
		if !ok {
			continue
		}
		for _, other := range r.skills[name].Conflicts {
			b, ok := present[other]
			if !ok {
				continue
			}
			if a.Score >= b.Score {
				delete(present, other)
			} else {
				delete(present, name)
			}
		}
	}

	out := make([]models.SelectedSkill, 0, len(present))
	for _, name := range order {
		if sk, ok := present[name]; ok {
			out = append(out, *sk)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return r.skills[out[i].Name].Priority < r.skills[out[j].Name].Priority
	})
	return models.SkillSelection{Skills: out}, nil
}

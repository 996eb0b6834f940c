package workflow

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Registry holds the workflow definitions known per repository. The
// definitions are owned by the repositories; the scheduler only reads
// them.
type Registry struct {
	mu   sync.RWMutex
	defs map[string][]*Definition // repository id -> definitions
	log  *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		defs: make(map[string][]*Definition),
		log:  logger,
	}
}

// Register adds a definition for a repository.
func (r *Registry) Register(repoID string, def *Definition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defs[repoID] = append(r.defs[repoID], def)
	r.log.Info("registered workflow definition",
		zap.String("repository", repoID),
		zap.String("workflow", def.Name),
		zap.String("mode", string(def.Mode)))
}

// ForRepository returns the definitions owned by a repository.
func (r *Registry) ForRepository(repoID string) []*Definition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defs[repoID]
}

// LoadDir loads every *.yml/*.yaml under dir. Each repository owns a
// subdirectory named after its id.
func (r *Registry) LoadDir(dir string) error {
	repos, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read workflows dir: %w", err)
	}
	for _, repo := range repos {
		if !repo.IsDir() {
			continue
		}
		repoDir := filepath.Join(dir, repo.Name())
		entries, err := os.ReadDir(repoDir)
		if err != nil {
			return fmt.Errorf("read %s: %w", repoDir, err)
		}
		for _, e := range entries {
			name := e.Name()
			if e.IsDir() || (!strings.HasSuffix(name, ".yml") && !strings.HasSuffix(name, ".yaml")) {
				continue
			}
			data, err := os.ReadFile(filepath.Join(repoDir, name))
			if err != nil {
				return fmt.Errorf("read workflow %s: %w", name, err)
			}
			def, err := Parse(data)
			if err != nil {
				return fmt.Errorf("workflow %s/%s: %w", repo.Name(), name, err)
			}
			if def.ID == "" {
				def.ID = repo.Name() + "/" + strings.TrimSuffix(strings.TrimSuffix(name, ".yaml"), ".yml")
			}
			r.Register(repo.Name(), def)
		}
	}
	return nil
}

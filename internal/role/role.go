// Package role loads the static Role and Pipeline definitions dispatch
// consumes: which backend model and thinking level an agent runs with,
// what instructions it gets, and what sequence of phases a pipeline runs.
// Authored as YAML rather than the on-disk roles.json/pipelines.json the
// rest of the data root uses, since these are hand-edited config rather
// than machine-written state.
package role

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// Thinking is the model "thinking level" enum a Role pins.
type Thinking string

const (
	ThinkingNone   Thinking = "none"
	ThinkingLow    Thinking = "low"
	ThinkingMedium Thinking = "medium"
	ThinkingHigh   Thinking = "high"
)

// Role is static configuration consumed by dispatch: a stable id, display
// name, backend model identifier, thinking level, and instruction text
// (inline or loaded from a prompt file).
type Role struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	Model      string   `yaml:"model"`
	Thinking   Thinking `yaml:"thinking"`
	Builder    bool     `yaml:"builder,omitempty"`
	Prompt     string   `yaml:"prompt,omitempty"`
	PromptFile string   `yaml:"prompt_file,omitempty"`
}

// Instructions returns the role's instruction text, reading PromptFile
// relative to dir if Prompt wasn't set inline.
func (r Role) Instructions(dir string) (string, error) {
	if r.Prompt != "" {
		return r.Prompt, nil
	}
	if r.PromptFile == "" {
		return "", fmt.Errorf("role %s: no prompt or prompt_file set", r.ID)
	}
	path := r.PromptFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("role %s: read prompt file: %w", r.ID, err)
	}
	return string(data), nil
}

// Pipeline is a named, ordered sequence of phase role sets a project's
// task graph is expected to march through.
type Pipeline struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	PhaseRoles []string `yaml:"phase_roles,omitempty"`
}

type rolesFile struct {
	Roles []Role `yaml:"roles"`
}

type pipelinesFile struct {
	Pipelines []Pipeline `yaml:"pipelines"`
}

// Registry is an in-memory, TTL-cached index of roles and pipelines
// loaded from YAML files. Mirrors the Task Registry's short-TTL reload
// so a config edit is picked up without a restart, without re-reading on
// every single lookup.
type Registry struct {
	mu           sync.RWMutex
	rolesPath    string
	pipelinePath string
	ttl          time.Duration
	loadedAt     time.Time
	roles        map[string]Role
	pipelines    map[string]Pipeline
}

// defaultTTL matches the Task Registry's 5s reload cadence.
const defaultTTL = 5 * time.Second

// NewRegistry builds a Registry that reads rolesPath/pipelinesPath on
// first use and reloads them whenever ttl (defaultTTL if zero) elapses.
func NewRegistry(rolesPath, pipelinesPath string, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Registry{
		rolesPath:    rolesPath,
		pipelinePath: pipelinesPath,
		ttl:          ttl,
		roles:        make(map[string]Role),
		pipelines:    make(map[string]Pipeline),
	}
}

func (r *Registry) ensureLoaded() error {
	r.mu.RLock()
	fresh := time.Since(r.loadedAt) < r.ttl && !r.loadedAt.IsZero()
	r.mu.RUnlock()
	if fresh {
		return nil
	}

	roles, err := loadRoles(r.rolesPath)
	if err != nil {
		return err
	}
	pipelines, err := loadPipelines(r.pipelinePath)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.roles = roles
	r.pipelines = pipelines
	r.loadedAt = time.Now()
	return nil
}

func loadRoles(path string) (map[string]Role, error) {
	out := make(map[string]Role)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("role: read %s: %w", path, err)
	}
	var f rolesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("role: parse %s: %w", path, err)
	}
	for _, role := range f.Roles {
		if role.ID == "" {
			return nil, fmt.Errorf("role: entry with empty id in %s", path)
		}
		out[role.ID] = role
	}
	return out, nil
}

func loadPipelines(path string) (map[string]Pipeline, error) {
	out := make(map[string]Pipeline)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("role: read %s: %w", path, err)
	}
	var f pipelinesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("role: parse %s: %w", path, err)
	}
	for _, p := range f.Pipelines {
		if p.ID == "" {
			return nil, fmt.Errorf("role: pipeline entry with empty id in %s", path)
		}
		out[p.ID] = p
	}
	return out, nil
}

// Get looks up a role by id, reloading from disk first if the TTL has
// elapsed.
func (r *Registry) Get(id string) (Role, bool, error) {
	if err := r.ensureLoaded(); err != nil {
		return Role{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	role, ok := r.roles[id]
	return role, ok, nil
}

// GetPipeline looks up a pipeline by id, reloading from disk first if the
// TTL has elapsed.
func (r *Registry) GetPipeline(id string) (Pipeline, bool, error) {
	if err := r.ensureLoaded(); err != nil {
		return Pipeline{}, false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.pipelines[id]
	return p, ok, nil
}

// All returns every loaded role, reloading from disk first if the TTL
// has elapsed.
func (r *Registry) All() ([]Role, error) {
	if err := r.ensureLoaded(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Role, 0, len(r.roles))
	for _, role := range r.roles {
		out = append(out, role)
	}
	return out, nil
}

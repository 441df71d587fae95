package tutor

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Persona configures how the tutor talks to students.
type Persona struct {
	Name          string `yaml:"name"`
	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`
	RunCode       bool   `yaml:"run_code"`
}

const DefaultPersona = "socratic"

const socraticPrompt = `You are a patient programming tutor on an educational coding platform.
Guide the student toward the answer with questions and small hints. Never write the full solution.
When it helps, use the run_code tool to run the student's code or a tiny experiment, then ask the
student what the output tells them. Keep replies short.`

func builtinPersonas() map[string]*Persona {
	return map[string]*Persona{
		DefaultPersona: {Name: DefaultPersona, SystemPrompt: socraticPrompt, RunCode: true},
	}
}

// LoadPersona reads a persona from a YAML file. The file name is used when
// the persona has no name.
func LoadPersona(path string) (*Persona, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading persona %s: %w", path, err)
	}
	var p Persona
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parsing persona %s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if p.SystemPrompt == "" {
		return nil, fmt.Errorf("persona %s: system_prompt is required", p.Name)
	}
	return &p, nil
}

// LoadPersonas returns the built-in personas plus every *.yaml file in dir.
// Files override built-ins of the same name. An empty dir is allowed.
func LoadPersonas(dir string) (map[string]*Persona, error) {
	personas := builtinPersonas()
	if dir == "" {
		return personas, nil
	}
	paths, err := filepath.Glob(filepath.Join(dir, "*.yaml"))
	if err != nil {
		return nil, err
	}
	sort.Strings(paths)
	for _, path := range paths {
		p, err := LoadPersona(path)
		if err != nil {
			return nil, err
		}
		personas[p.Name] = p
	}
	return personas, nil
}

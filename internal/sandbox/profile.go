package sandbox

import (
	"fmt"
	"os"
	"regexp"
	"slices"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// Profile is the recipe for materializing and invoking one language.
type Profile struct {
	Language  Language
	EntryFile string
	// Build is the optional compile step. Empty means interpreted.
	Build []string
	Run   []string
	// Image overrides the executor's default image when set.
	Image string
	Env   []string
}

// Compiled reports whether the profile has a separate build step.
func (p Profile) Compiled() bool {
	return len(p.Build) > 0
}

// Command returns the argument vector executed inside the workspace.
// Compiled profiles chain build and run with && so a failed build never runs.
func (p Profile) Command() []string {
	if !p.Compiled() {
		return slices.Clone(p.Run)
	}
	return []string{"sh", "-c", shellJoin(p.Build) + " && " + shellJoin(p.Run)}
}

func (p Profile) validate() error {
	if !isPlainFileName(p.EntryFile) {
		return fmt.Errorf("%w: entry file %q is not a plain file name", ErrValidation, p.EntryFile)
	}
	if ext := p.Language.Extension(); ext != "" && !strings.HasSuffix(p.EntryFile, ext) {
		return fmt.Errorf("%w: entry file %q does not match %s extension %q", ErrValidation, p.EntryFile, p.Language, ext)
	}
	if len(p.Run) == 0 {
		return fmt.Errorf("%w: %s profile has no run command", ErrValidation, p.Language)
	}
	refs := p.Run
	if p.Compiled() {
		refs = p.Build
	}
	if !slices.Contains(refs, p.EntryFile) {
		return fmt.Errorf("%w: %s profile command does not reference %q", ErrValidation, p.Language, p.EntryFile)
	}
	return nil
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9_./=:@%+,-]+$`)

func shellQuote(arg string) string {
	if shellSafe.MatchString(arg) {
		return arg
	}
	return "'" + strings.ReplaceAll(arg, "'", `'\''`) + "'"
}

func shellJoin(args []string) string {
	quoted := make([]string, len(args))
	for i, a := range args {
		quoted[i] = shellQuote(a)
	}
	return strings.Join(quoted, " ")
}

// Registry resolves language identifiers to profiles.
// It is immutable after construction and safe for concurrent use.
type Registry struct {
	profiles map[Language]Profile
	fallback Language
}

// NewRegistry builds a registry from the builtin profiles plus optional overrides.
func NewRegistry(overrides *ProfileOverrides) (*Registry, error) {
	r := &Registry{
		profiles: builtinProfiles(),
		fallback: DefaultLanguage,
	}
	if overrides != nil {
		if err := overrides.apply(r); err != nil {
			return nil, err
		}
	}
	for _, p := range r.profiles {
		if err := p.validate(); err != nil {
			return nil, err
		}
	}
	fb, ok := r.profiles[r.fallback]
	if !ok {
		return nil, fmt.Errorf("no profile for default language %s", r.fallback)
	}
	// Unknown identifiers run under the fallback, so it must be interpreted.
	if fb.Compiled() {
		return nil, fmt.Errorf("%w: default language %s has a build step", ErrValidation, r.fallback)
	}
	return r, nil
}

// Resolve returns the profile for id. Unknown identifiers get the default profile.
func (r *Registry) Resolve(id string) Profile {
	lang := ParseLanguage(id)
	if lang == LanguageOther {
		return r.clone(r.profiles[r.fallback])
	}
	p, ok := r.profiles[lang]
	if !ok {
		return r.clone(r.profiles[r.fallback])
	}
	return r.clone(p)
}

// Languages lists the languages with a profile.
func (r *Registry) Languages() []Language {
	var out []Language
	for _, l := range Languages() {
		if _, ok := r.profiles[l]; ok {
			out = append(out, l)
		}
	}
	return out
}

// clone hands out copies so callers can never mutate registry state.
func (r *Registry) clone(p Profile) Profile {
	p.Build = slices.Clone(p.Build)
	p.Run = slices.Clone(p.Run)
	p.Env = slices.Clone(p.Env)
	return p
}

// ProfileOverrides is the YAML form of profile customizations.
//
//	default: python
//	profiles:
//	  rust:
//	    build: rustc -O main.rs
//	    run: ./main
//	    image: rust:1.83-slim
type ProfileOverrides struct {
	Default  string                     `yaml:"default"`
	Profiles map[string]ProfileOverride `yaml:"profiles"`
}

// ProfileOverride replaces fields of one builtin profile. Empty fields are kept.
type ProfileOverride struct {
	EntryFile string   `yaml:"entry_file"`
	Build     string   `yaml:"build"`
	Run       string   `yaml:"run"`
	Image     string   `yaml:"image"`
	Env       []string `yaml:"env"`
}

// LoadProfileOverrides reads profile overrides from a YAML file.
func LoadProfileOverrides(path string) (*ProfileOverrides, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading profiles %s: %w", path, err)
	}
	var o ProfileOverrides
	if err := yaml.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing profiles %s: %w", path, err)
	}
	return &o, nil
}

func (o *ProfileOverrides) apply(r *Registry) error {
	if o.Default != "" {
		lang := ParseLanguage(o.Default)
		if lang == LanguageOther {
			return fmt.Errorf("unknown default language %q", o.Default)
		}
		r.fallback = lang
	}
	for name, ov := range o.Profiles {
		lang := ParseLanguage(name)
		if lang == LanguageOther {
			return fmt.Errorf("unknown language %q in profiles", name)
		}
		p := r.profiles[lang]
		p.Language = lang
		if ov.EntryFile != "" {
			p.EntryFile = ov.EntryFile
		}
		if ov.Build != "" {
			build, err := shlex.Split(ov.Build)
			if err != nil {
				return fmt.Errorf("parsing %s build command: %w", name, err)
			}
			p.Build = build
		}
		if ov.Run != "" {
			run, err := shlex.Split(ov.Run)
			if err != nil {
				return fmt.Errorf("parsing %s run command: %w", name, err)
			}
			p.Run = run
		}
		if ov.Image != "" {
			p.Image = ov.Image
		}
		if len(ov.Env) > 0 {
			p.Env = ov.Env
		}
		r.profiles[lang] = p
	}
	return nil
}

package sandbox

import (
	"path/filepath"
	"strings"
)

// Language is a supported submission language.
type Language int

const (
	// LanguageOther is any identifier the registry does not recognize.
	LanguageOther Language = iota
	LanguagePython
	LanguageRust
	LanguageJavaScript
	LanguageGo
	LanguageRuby
	LanguageC
)

// DefaultLanguage is used for LanguageOther.
const DefaultLanguage = LanguagePython

var languageNames = map[Language]string{
	LanguageOther:      "other",
	LanguagePython:     "python",
	LanguageRust:       "rust",
	LanguageJavaScript: "javascript",
	LanguageGo:         "go",
	LanguageRuby:       "ruby",
	LanguageC:          "c",
}

var languageAliases = map[string]Language{
	"python":     LanguagePython,
	"python3":    LanguagePython,
	"py":         LanguagePython,
	"rust":       LanguageRust,
	"rs":         LanguageRust,
	"javascript": LanguageJavaScript,
	"js":         LanguageJavaScript,
	"node":       LanguageJavaScript,
	"go":         LanguageGo,
	"golang":     LanguageGo,
	"ruby":       LanguageRuby,
	"rb":         LanguageRuby,
	"c":          LanguageC,
}

// extensions maps each language to the entry file extension it requires.
var extensions = map[Language]string{
	LanguagePython:     ".py",
	LanguageRust:       ".rs",
	LanguageJavaScript: ".js",
	LanguageGo:         ".go",
	LanguageRuby:       ".rb",
	LanguageC:          ".c",
}

// ParseLanguage maps a free-form identifier to a Language.
// Unrecognized identifiers map to LanguageOther.
func ParseLanguage(id string) Language {
	if l, ok := languageAliases[strings.ToLower(strings.TrimSpace(id))]; ok {
		return l
	}
	return LanguageOther
}

func (l Language) String() string {
	if name, ok := languageNames[l]; ok {
		return name
	}
	return "other"
}

// Extension returns the entry file extension for the language, or "" for LanguageOther.
func (l Language) Extension() string {
	return extensions[l]
}

// LanguageForFile guesses the language of a source file from its extension.
func LanguageForFile(path string) Language {
	ext := strings.ToLower(filepath.Ext(path))
	for l, e := range extensions {
		if e == ext {
			return l
		}
	}
	return LanguageOther
}

// Languages returns the supported languages in declaration order.
func Languages() []Language {
	return []Language{LanguagePython, LanguageRust, LanguageJavaScript, LanguageGo, LanguageRuby, LanguageC}
}

// builtinProfiles are the recipes used when no override file is configured.
func builtinProfiles() map[Language]Profile {
	return map[Language]Profile{
		LanguagePython: {
			Language:  LanguagePython,
			EntryFile: "main.py",
			Run:       []string{"python", "main.py"},
		},
		LanguageRust: {
			Language:  LanguageRust,
			EntryFile: "main.rs",
			Build:     []string{"rustc", "main.rs"},
			Run:       []string{"./main"},
		},
		LanguageJavaScript: {
			Language:  LanguageJavaScript,
			EntryFile: "main.js",
			Run:       []string{"node", "main.js"},
		},
		LanguageGo: {
			Language:  LanguageGo,
			EntryFile: "main.go",
			Build:     []string{"go", "build", "-o", "main", "main.go"},
			Run:       []string{"./main"},
			Env:       []string{"GOCACHE=/tmp/gocache", "GOPATH=/tmp/go", "CGO_ENABLED=0"},
		},
		LanguageRuby: {
			Language:  LanguageRuby,
			EntryFile: "main.rb",
			Run:       []string{"ruby", "main.rb"},
		},
		LanguageC: {
			Language:  LanguageC,
			EntryFile: "main.c",
			Build:     []string{"cc", "-O2", "-o", "main", "main.c"},
			Run:       []string{"./main"},
		},
	}
}

// isPlainFileName reports whether name is a single path element.
func isPlainFileName(name string) bool {
	if name == "" || name == "." || name == ".." {
		return false
	}
	return filepath.Base(name) == name && !strings.ContainsAny(name, `/\`)
}

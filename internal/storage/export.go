package storage

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/michaelbrown/codelab/internal/llm"
)

// ExportMarkdown renders a tutor session and its messages as a markdown document.
func ExportMarkdown(sess *TutorSession, messages []llm.Message) string {
	var b strings.Builder

	fmt.Fprintf(&b, "# %s\n\n", sess.Title)
	fmt.Fprintf(&b, "- **Session:** %s\n", sess.ID)
	fmt.Fprintf(&b, "- **Student:** %s\n", sess.Username)
	if sess.ExerciseID != 0 {
		fmt.Fprintf(&b, "- **Exercise:** %d\n", sess.ExerciseID)
	}
	if sess.Persona != "" {
		fmt.Fprintf(&b, "- **Persona:** %s\n", sess.Persona)
	}
	fmt.Fprintf(&b, "- **Created:** %s\n", sess.CreatedAt.Format("2006-01-02 15:04:05"))
	b.WriteString("\n---\n\n")

	for _, m := range messages {
		switch m.Role {
		case llm.RoleSystem:
			continue
		case llm.RoleUser:
			fmt.Fprintf(&b, "## Student\n\n%s\n\n", m.Content)
		case llm.RoleAssistant:
			if m.Content != "" {
				fmt.Fprintf(&b, "## Tutor\n\n%s\n\n", m.Content)
			}
			for _, tc := range m.ToolCalls {
				if code, ok := tc.Args["code"].(string); ok {
					fmt.Fprintf(&b, "**Ran code** (`%v`)\n```\n%s\n```\n\n", tc.Args["language"], code)
					continue
				}
				args, _ := json.Marshal(tc.Args)
				fmt.Fprintf(&b, "**Tool Call:** `%s`\n```json\n%s\n```\n\n", tc.Name, args)
			}
		case llm.RoleTool:
			fmt.Fprintf(&b, "<details>\n<summary>Result</summary>\n\n```\n%s\n```\n</details>\n\n", m.Content)
		}
	}

	return b.String()
}

// ExportJSON renders a tutor session and its messages as formatted JSON.
func ExportJSON(sess *TutorSession, messages []llm.Message) ([]byte, error) {
	export := struct {
		Session  *TutorSession `json:"session"`
		Messages []llm.Message `json:"messages"`
	}{
		Session:  sess,
		Messages: messages,
	}
	return json.MarshalIndent(export, "", "  ")
}

// CourseBundle is the portable YAML form of one or more courses.
type CourseBundle struct {
	Courses []Course `yaml:"courses"`
}

// ExportCourses renders courses, with their exercises, as a YAML bundle.
func ExportCourses(courses []Course) ([]byte, error) {
	return yaml.Marshal(CourseBundle{Courses: courses})
}

// ParseCourseBundle parses a YAML bundle and validates each course.
func ParseCourseBundle(data []byte) (*CourseBundle, error) {
	var bundle CourseBundle
	if err := yaml.Unmarshal(data, &bundle); err != nil {
		return nil, fmt.Errorf("parsing course bundle: %w", err)
	}
	for i := range bundle.Courses {
		c := &bundle.Courses[i]
		if c.Title == "" || c.Slug == "" {
			return nil, fmt.Errorf("course %d: title and slug are required", i+1)
		}
		for j := range c.Exercises {
			e := &c.Exercises[j]
			if e.Title == "" {
				return nil, fmt.Errorf("course %q exercise %d: title is required", c.Slug, j+1)
			}
			rule, err := ParsePassingRule(string(e.PassingRule))
			if err != nil {
				return nil, fmt.Errorf("course %q exercise %q: %w", c.Slug, e.Title, err)
			}
			e.PassingRule = rule
			if e.Order == 0 {
				e.Order = j + 1
			}
		}
	}
	return &bundle, nil
}

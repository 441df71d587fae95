package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/codelab/internal/storage"
)

var (
	coursesOutput string
	publishedOnly bool
)

var coursesCmd = &cobra.Command{
	Use:     "courses",
	Aliases: []string{"course"},
	Short:   "Manage courses and exercises",
}

var coursesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List courses",
	RunE:  runCoursesList,
}

var coursesExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export all courses with their exercises as YAML",
	RunE:  runCoursesExport,
}

var coursesImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Import courses from a YAML bundle",
	Long: `Import courses and their exercises from a YAML bundle as written by
"codelab courses export". Courses whose slug already exists are skipped.`,
	Args: cobra.ExactArgs(1),
	RunE: runCoursesImport,
}

func init() {
	rootCmd.AddCommand(coursesCmd)
	coursesCmd.AddCommand(coursesListCmd, coursesExportCmd, coursesImportCmd)

	coursesListCmd.Flags().BoolVar(&publishedOnly, "published", false, "Only show published courses")
	coursesExportCmd.Flags().StringVarP(&coursesOutput, "output", "o", "", "Output file (default: stdout)")
}

func runCoursesList(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		courses, err := store.ListCourses(ctx, storage.CourseListOptions{PublishedOnly: publishedOnly})
		if err != nil {
			return err
		}
		if len(courses) == 0 {
			fmt.Println("No courses found.")
			return nil
		}

		fmt.Printf("%-6s %-24s %-40s %s\n", "ID", "SLUG", "TITLE", "STATUS")
		fmt.Println(strings.Repeat("─", 85))
		for _, c := range courses {
			status := "draft"
			if c.IsPublished {
				status = "published"
			}
			fmt.Printf("%-6d %-24s %-40s %s\n", c.ID, c.Slug, truncate(c.Title, 38), status)
		}
		return nil
	})
}

func runCoursesExport(cmd *cobra.Command, args []string) error {
	return withStore(func(ctx context.Context, store storage.Store) error {
		list, err := store.ListCourses(ctx, storage.CourseListOptions{})
		if err != nil {
			return err
		}
		courses := make([]storage.Course, 0, len(list))
		for _, c := range list {
			full, err := store.GetCourse(ctx, c.ID)
			if err != nil {
				return err
			}
			courses = append(courses, *full)
		}

		data, err := storage.ExportCourses(courses)
		if err != nil {
			return err
		}
		if coursesOutput != "" {
			return os.WriteFile(coursesOutput, data, 0o644)
		}
		fmt.Print(string(data))
		return nil
	})
}

func runCoursesImport(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	bundle, err := storage.ParseCourseBundle(data)
	if err != nil {
		return err
	}

	return withStore(func(ctx context.Context, store storage.Store) error {
		imported, exercises, err := importCourses(ctx, store, bundle)
		fmt.Printf("Imported %d courses with %d exercises.\n", imported, exercises)
		return err
	})
}

// importCourses creates every course in bundle, skipping slugs that already exist.
func importCourses(ctx context.Context, store storage.Store, bundle *storage.CourseBundle) (courses, exercises int, err error) {
	for _, c := range bundle.Courses {
		items := c.Exercises
		c.Exercises = nil
		if err := store.CreateCourse(ctx, &c); err != nil {
			if errors.Is(err, storage.ErrConflict) {
				fmt.Printf("Skipping %s: already exists\n", c.Slug)
				continue
			}
			return courses, exercises, err
		}
		courses++
		for _, ex := range items {
			ex.CourseID = c.ID
			if err := store.CreateExercise(ctx, &ex); err != nil {
				return courses, exercises, fmt.Errorf("course %s, exercise %s: %w", c.Slug, ex.Slug, err)
			}
			exercises++
		}
	}
	return courses, exercises, nil
}

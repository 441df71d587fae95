package sandbox

import (
	"errors"
	"os"
	"strings"
	"sync"
	"testing"
)

func pythonProfile() Profile {
	return builtinProfiles()[LanguagePython]
}

func TestMaterializeWritesSourceVerbatim(t *testing.T) {
	m := &Materializer{Root: t.TempDir()}
	code := "print('hi')\n\x00tail"

	ws, err := m.Materialize(code, pythonProfile())
	if err != nil {
		t.Fatalf("Materialize: %v", err)
	}
	defer ws.Close()

	got, err := os.ReadFile(ws.EntryPath)
	if err != nil {
		t.Fatalf("reading entry file: %v", err)
	}
	if string(got) != code {
		t.Errorf("entry file = %q, want %q", got, code)
	}

	entries, err := os.ReadDir(ws.Dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "main.py" {
		t.Errorf("workspace holds %v, want only main.py", entries)
	}
}

func TestMaterializeUniqueDirectories(t *testing.T) {
	m := &Materializer{Root: t.TempDir()}

	const n = 64
	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ws, err := m.Materialize("pass", pythonProfile())
			if err != nil {
				t.Errorf("Materialize: %v", err)
				return
			}
			defer ws.Close()
			mu.Lock()
			defer mu.Unlock()
			if seen[ws.Dir] {
				t.Errorf("directory %s handed out twice", ws.Dir)
			}
			seen[ws.Dir] = true
		}()
	}
	wg.Wait()

	if len(seen) != n {
		t.Errorf("got %d distinct workspaces, want %d", len(seen), n)
	}
}

func TestWorkspaceCloseRemovesTree(t *testing.T) {
	root := t.TempDir()
	m := &Materializer{Root: root}

	ws, err := m.Materialize("pass", pythonProfile())
	if err != nil {
		t.Fatal(err)
	}
	// Simulate build output left behind by a compiled profile.
	if err := os.WriteFile(ws.Dir+"/main", []byte("binary"), 0o755); err != nil {
		t.Fatal(err)
	}

	if err := ws.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if _, err := os.Stat(ws.Dir); !os.IsNotExist(err) {
		t.Errorf("workspace still exists after Close: %v", err)
	}
	assertEmptyDir(t, root)
}

func TestMaterializeRejectsOversizedSource(t *testing.T) {
	root := t.TempDir()
	m := &Materializer{Root: root, MaxSourceBytes: 16}

	_, err := m.Materialize(strings.Repeat("x", 17), pythonProfile())
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	assertEmptyDir(t, root)
}

func TestMaterializeRejectsPathEntryFile(t *testing.T) {
	root := t.TempDir()
	m := &Materializer{Root: root}

	p := pythonProfile()
	p.EntryFile = "../escape.py"
	_, err := m.Materialize("pass", p)
	if !errors.Is(err, ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	assertEmptyDir(t, root)
}

func assertEmptyDir(t *testing.T, dir string) {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("reading %s: %v", dir, err)
	}
	if len(entries) != 0 {
		var names []string
		for _, e := range entries {
			names = append(names, e.Name())
		}
		t.Errorf("%s not empty: %v", dir, names)
	}
}

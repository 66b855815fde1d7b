package test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"golang.org/x/tools/txtar"
)

var (
	rootPath string
	once     sync.Once
)

// RootPath resolves a path relative to the repository rootPath (where go.mod resides).
func RootPath(t *testing.T) string {
	t.Helper()
	once.Do(func() {
		wd, err := os.Getwd()
		if err != nil {
			t.Fatalf("getwd: %v", err)
		}
		for {
			if _, err := os.Stat(filepath.Join(wd, "go.mod")); err == nil {
				rootPath = wd
				break
			}
			next := filepath.Dir(wd)
			if next == wd {
				t.Fatalf("go.mod not found from %s", wd)
			}
			wd = next
		}
	})
	return rootPath
}

// SamplePath returns the absolute path of a file under samples/.
func SamplePath(t *testing.T, rel string) string {
	t.Helper()
	return filepath.Join(RootPath(t), "samples", rel)
}

// LoadArchive parses a txtar archive under samples/.
func LoadArchive(t *testing.T, rel string) *txtar.Archive {
	t.Helper()
	archive, err := txtar.ParseFile(SamplePath(t, rel))
	if err != nil {
		t.Fatalf("parse archive %s: %v", rel, err)
	}
	return archive
}

// LoadPlan returns the plan text stored as name in a txtar archive under samples/.
func LoadPlan(t *testing.T, archive, name string) string {
	t.Helper()
	for _, f := range LoadArchive(t, archive).Files {
		if f.Name == name {
			return string(f.Data)
		}
	}
	t.Fatalf("plan %s not found in %s", name, archive)
	return ""
}

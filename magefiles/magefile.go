//go:build mage

// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package main contains Mage build targets for chapter-engine developer tooling.
package main

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// projectDirs lists the working directories the CLI expects.
var projectDirs = []string{
	"data",
	"data/extracted",
	"data/extracted/figures",
	"output/chapters",
	".secrets",
}

// Init creates the project directory structure.
func Init() error {
	for _, dir := range projectDirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", dir, err)
		}
		fmt.Println("  ", dir)
	}
	fmt.Println("Project directories initialized.")
	return nil
}

const (
	binDir  = "bin"
	binName = "chapter-engine"
	cmdPkg  = "./cmd/chapter-engine"

	// buildTags enables SQLite FTS5, which the index needs for keyword search.
	buildTags = "sqlite_fts5"
)

func binPath() string { return filepath.Join(binDir, binName) }

// Build compiles the CLI binary into bin/.
func Build() error {
	if err := os.MkdirAll(binDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", binDir, err)
	}
	ldflags := "-X main.version=" + gitVersion()
	if err := sh.RunV("go", "build", "-tags", buildTags, "-ldflags", ldflags, "-o", binPath(), cmdPkg); err != nil {
		return fmt.Errorf("go build: %w", err)
	}
	fmt.Printf("Built %s\n", binPath())
	return nil
}

// Test runs all tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "-tags", buildTags, "./...")
}

// Vet runs go vet with the build tags.
func Vet() error {
	return sh.RunV("go", "vet", "-tags", buildTags, "./...")
}

// Ingest builds the CLI and indexes the extracted documents.
func Ingest() error {
	mg.Deps(Init, Build)
	return sh.RunV(binPath(), "index", "ingest")
}

// Chapter builds the CLI and generates a chapter for $TOPIC (chapter type
// from $CHAPTER_TYPE), exporting it under output/chapters.
func Chapter() error {
	mg.Deps(Init, Build)
	topic := strings.TrimSpace(os.Getenv("TOPIC"))
	if topic == "" {
		return fmt.Errorf("set TOPIC to the chapter topic")
	}
	args := []string{"generate", topic, "--export", filepath.Join("output", "chapters", slug(topic))}
	if ct := os.Getenv("CHAPTER_TYPE"); ct != "" {
		args = append(args, "--type", ct)
	}
	return sh.RunV(binPath(), args...)
}

// Clean removes build output.
func Clean() error {
	return sh.Rm(binDir)
}

func gitVersion() string {
	v, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || v == "" {
		return "dev"
	}
	return v
}

func slug(s string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(s) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
		} else if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}

// Stats prints non-blank Go lines per package, split into production and
// test code.
func Stats() error {
	type count struct{ prod, test int }
	pkgs := map[string]*count{}
	err := filepath.WalkDir(".", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if name := d.Name(); path != "." && (strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")) {
				return filepath.SkipDir
			}
			return nil
		}
		if filepath.Ext(path) != ".go" {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
		n := 0
		for _, line := range strings.Split(string(data), "\n") {
			if strings.TrimSpace(line) != "" {
				n++
			}
		}
		c := pkgs[filepath.Dir(path)]
		if c == nil {
			c = &count{}
			pkgs[filepath.Dir(path)] = c
		}
		if strings.HasSuffix(path, "_test.go") {
			c.test += n
		} else {
			c.prod += n
		}
		return nil
	})
	if err != nil {
		return err
	}

	dirs := make([]string, 0, len(pkgs))
	for d := range pkgs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	var total count
	fmt.Printf("%-32s  %8s  %8s\n", "Package", "Prod", "Test")
	for _, d := range dirs {
		c := pkgs[d]
		total.prod += c.prod
		total.test += c.test
		fmt.Printf("%-32s  %8d  %8d\n", d, c.prod, c.test)
	}
	fmt.Printf("%-32s  %8d  %8d\n", "total", total.prod, total.test)
	return nil
}

package verify

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var skipDirs = map[string]bool{
	".git":         true,
	".conductor":   true,
	"node_modules": true,
	"vendor":       true,
}

// scanOptions are common to the file-scanning verifiers.
type scanOptions struct {
	paths     []string
	recursive bool
}

// parseScanArgs splits VERIFY arguments into paths and flags. Recognized
// flags are "--no-recursive"; other "--" flags are returned unchanged.
func parseScanArgs(args []string) (scanOptions, []string) {
	opts := scanOptions{recursive: true}
	var rest []string
	for _, a := range args {
		switch {
		case a == "--no-recursive":
			opts.recursive = false
		case strings.HasPrefix(a, "--"):
			rest = append(rest, a)
		default:
			opts.paths = append(opts.paths, a)
		}
	}
	if len(opts.paths) == 0 {
		opts.paths = []string{"."}
	}
	return opts, rest
}

// markdownFiles lists .md files below the requested paths, relative to root.
func markdownFiles(ctx context.Context, root string, opts scanOptions) ([]string, error) {
	seen := make(map[string]bool)
	var files []string

	for _, p := range opts.paths {
		start := filepath.Join(root, p)
		info, err := os.Stat(start)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			rel, _ := filepath.Rel(root, start)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, filepath.ToSlash(rel))
			}
			continue
		}

		err = filepath.WalkDir(start, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != start && (skipDirs[d.Name()] || !opts.recursive) {
					return filepath.SkipDir
				}
				return nil
			}
			if !strings.EqualFold(filepath.Ext(path), ".md") {
				return nil
			}
			rel, _ := filepath.Rel(root, path)
			rel = filepath.ToSlash(rel)
			if !seen[rel] {
				seen[rel] = true
				files = append(files, rel)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(files)
	return files, nil
}

// fileLines reads a file and reports each line outside fenced code blocks.
func fileLines(root, rel string, fn func(lineNo int, line string)) error {
	data, err := os.ReadFile(filepath.Join(root, rel))
	if err != nil {
		return err
	}
	fenced := false
	for i, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			fenced = !fenced
			continue
		}
		if !fenced {
			fn(i+1, line)
		}
	}
	return nil
}

// exists reports whether target resolves relative to dir or root.
func exists(root, dir, target string) bool {
	candidates := []string{filepath.Join(root, dir, target)}
	if !strings.HasPrefix(target, "./") && !strings.HasPrefix(target, "../") {
		candidates = append(candidates, filepath.Join(root, target))
	}
	if filepath.IsAbs(target) {
		candidates = []string{target}
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return true
		}
	}
	return false
}

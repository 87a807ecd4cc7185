package tools

import (
	"bufio"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

const (
	maxGlobMatches = 1000
	maxGrepMatches = 100
	maxGrepFileLen = 1 << 20
)

// globHandler matches files under a root directory. Patterns without ** go
// straight to filepath.Glob; ** patterns walk the tree.
func globHandler(workspace string) Handler {
	return func(ctx context.Context, _ string, input map[string]any) (any, error) {
		pattern := stringArg(input, "pattern")
		root := stringArg(input, "path")
		if root == "" {
			root = "."
		}
		root = resolvePath(workspace, root)

		var matches []string
		var err error
		if strings.Contains(pattern, "**") {
			matches, err = globRecursive(ctx, root, pattern)
		} else {
			matches, err = filepath.Glob(filepath.Join(root, pattern))
		}
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return "no files matched", nil
		}

		sort.Strings(matches)
		if len(matches) > maxGlobMatches {
			matches = matches[:maxGlobMatches]
		}
		return strings.Join(matches, "\n"), nil
	}
}

// globRecursive walks root and matches relative paths against a ** pattern.
func globRecursive(ctx context.Context, root, pattern string) ([]string, error) {
	segments := strings.Split(path.Clean(filepath.ToSlash(pattern)), "/")

	var matches []string
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return nil
		}
		parts := strings.Split(filepath.ToSlash(rel), "/")
		if matchSegments(segments, parts) {
			matches = append(matches, p)
			if len(matches) >= maxGlobMatches {
				return fs.SkipAll
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return matches, nil
}

// matchSegments matches pattern segments against path segments, where **
// spans zero or more segments.
func matchSegments(pattern, parts []string) bool {
	if len(pattern) == 0 {
		return len(parts) == 0
	}
	if pattern[0] == "**" {
		if matchSegments(pattern[1:], parts) {
			return true
		}
		if len(parts) > 0 {
			return matchSegments(pattern, parts[1:])
		}
		return false
	}
	if len(parts) == 0 {
		return false
	}
	ok, err := path.Match(pattern[0], parts[0])
	if err != nil || !ok {
		return false
	}
	return matchSegments(pattern[1:], parts[1:])
}

// grepHandler searches file contents under a root directory with a regular
// expression, returning file:line: text matches.
func grepHandler(workspace string) Handler {
	return func(ctx context.Context, _ string, input map[string]any) (any, error) {
		re, err := regexp.Compile(stringArg(input, "pattern"))
		if err != nil {
			return nil, fmt.Errorf("invalid pattern: %w", err)
		}
		root := stringArg(input, "path")
		if root == "" {
			root = "."
		}
		root = resolvePath(workspace, root)
		include := stringArg(input, "include")

		var b strings.Builder
		count := 0
		walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if count >= maxGrepMatches {
				return fs.SkipAll
			}
			if d.IsDir() {
				return nil
			}
			if include != "" {
				ok, err := path.Match(include, d.Name())
				if err != nil || !ok {
					return nil
				}
			}
			info, err := d.Info()
			if err != nil || info.Size() > maxGrepFileLen {
				return nil
			}
			count += grepFile(re, p, &b, maxGrepMatches-count)
			return nil
		})
		if walkErr != nil {
			return nil, walkErr
		}
		if count == 0 {
			return "no matches found", nil
		}
		return strings.TrimRight(b.String(), "\n"), nil
	}
}

// grepFile scans one file line by line and appends up to budget matches.
func grepFile(re *regexp.Regexp, path string, b *strings.Builder, budget int) int {
	f, err := os.Open(path)
	if err != nil {
		return 0
	}
	defer f.Close()

	found := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), maxGrepFileLen)
	line := 0
	for scanner.Scan() {
		line++
		text := scanner.Text()
		if re.MatchString(text) {
			fmt.Fprintf(b, "%s:%d: %s\n", path, line, text)
			found++
			if found >= budget {
				break
			}
		}
	}
	return found
}

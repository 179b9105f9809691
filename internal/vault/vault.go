// Package vault provides the note-file search utilities the heartbeat and
// recall layers use: recent-file scans and plain-text search over a
// directory of markdown notes.
package vault

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// File is one match from FindRecent.
type File struct {
	Path    string
	Name    string
	ModTime time.Time
}

// Match is one hit from Search.
type Match struct {
	Path string
	Line int
	Text string
}

// SearchOptions bounds a search.
type SearchOptions struct {
	MaxResults int
}

var textExtensions = map[string]bool{
	".md": true, ".txt": true, ".markdown": true,
}

// FindRecent returns the text files under dir modified within the last
// given number of minutes, newest first.
func FindRecent(dir string, minutes int) ([]File, error) {
	cutoff := time.Now().Add(-time.Duration(minutes) * time.Minute)
	var out []File
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // unreadable entries are skipped, not fatal
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExtensions[filepath.Ext(d.Name())] {
			return nil
		}
		info, err := d.Info()
		if err != nil || info.ModTime().Before(cutoff) {
			return nil
		}
		out = append(out, File{Path: path, Name: d.Name(), ModTime: info.ModTime()})
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("vault: scan %s: %w", dir, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ModTime.After(out[j].ModTime) })
	return out, nil
}

// Search scans text files under dir for lines containing query,
// case-insensitive, up to opts.MaxResults hits (default 20).
func Search(dir, query string, opts SearchOptions) ([]Match, error) {
	if opts.MaxResults <= 0 {
		opts.MaxResults = 20
	}
	needle := strings.ToLower(strings.TrimSpace(query))
	if needle == "" {
		return nil, nil
	}

	var out []Match
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if len(out) >= opts.MaxResults {
			return filepath.SkipAll
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".") && path != dir {
				return filepath.SkipDir
			}
			return nil
		}
		if !textExtensions[filepath.Ext(d.Name())] {
			return nil
		}

		f, err := os.Open(path)
		if err != nil {
			return nil
		}
		defer f.Close()

		scanner := bufio.NewScanner(f)
		lineNo := 0
		for scanner.Scan() {
			lineNo++
			line := scanner.Text()
			if strings.Contains(strings.ToLower(line), needle) {
				out = append(out, Match{Path: path, Line: lineNo, Text: strings.TrimSpace(line)})
				if len(out) >= opts.MaxResults {
					return filepath.SkipAll
				}
			}
		}
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("vault: search %s: %w", dir, err)
	}
	return out, nil
}

// ReadSnippet returns at most maxBytes from the head of a file, for
// embedding into prompts.
func ReadSnippet(path string, maxBytes int) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if len(data) > maxBytes {
		data = data[:maxBytes]
	}
	return string(data), nil
}

// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package tools

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/samber/lo"
)

const (
	readNoticeReserve = 128
	maxWriteBytes     = 1 << 20
	maxListEntries    = 500
	maxSearchFileSize = 1 << 20
	defaultMaxMatches = 50
	maxMatchLineRunes = 200
)

// skipDirs are never descended into by list and search.
var skipDirs = []string{".git", "node_modules", "vendor", ".venv", "__pycache__"}

// errStopWalk ends a directory walk early.
var errStopWalk = errors.New("stop walk")

// ReadFileInput is the input of read_file.
type ReadFileInput struct {
	Path string `json:"path" description:"File path relative to the workspace root" validate:"required"`
}

// WriteFileInput is the input of write_file.
type WriteFileInput struct {
	Path    string `json:"path" description:"File path relative to the workspace root" validate:"required"`
	Content string `json:"content" description:"Text to write" validate:"max=1048576"`
	Append  bool   `json:"append,omitempty" description:"Append instead of replacing the file"`
}

// ListDirectoryInput is the input of list_directory.
type ListDirectoryInput struct {
	Path      string `json:"path,omitempty" description:"Directory relative to the workspace root; defaults to the root"`
	Recursive bool   `json:"recursive,omitempty" description:"Include entries of subdirectories"`
}

// SearchFilesInput is the input of search_files.
type SearchFilesInput struct {
	Pattern    string `json:"pattern" description:"Regular expression (RE2 syntax) matched against each line" validate:"required,max=1024"`
	Path       string `json:"path,omitempty" description:"Directory to search; defaults to the workspace root"`
	Glob       string `json:"glob,omitempty" description:"Only search files whose base name matches this glob, e.g. *.go"`
	MaxResults int    `json:"max_results,omitempty" description:"Maximum matches to return (1-500, default 50)" validate:"omitempty,min=1,max=500"`
}

// fileTools implements the filesystem tools over a workspace.
type fileTools struct {
	ws      *Workspace
	maxRead int
}

// ReadFile returns the read_file tool. maxOutput is the executor's
// output cap; files are cut below it so the truncation notice that names
// the real file size reaches the model. Zero uses the executor default.
func ReadFile(ws *Workspace, maxOutput int) Tool {
	ft := &fileTools{ws: ws, maxRead: readLimit(maxOutput)}
	return MustNew("read_file",
		"Read a UTF-8 text file from the workspace. Large files are truncated.",
		ft.read)
}

// WriteFile returns the write_file tool.
func WriteFile(ws *Workspace) Tool {
	ft := &fileTools{ws: ws}
	return MustNew("write_file",
		"Create or overwrite a text file in the workspace, creating parent directories as needed.",
		ft.write, WithSideEffects())
}

// ListDirectory returns the list_directory tool.
func ListDirectory(ws *Workspace) Tool {
	ft := &fileTools{ws: ws}
	return MustNew("list_directory",
		"List the entries of a workspace directory. Directories end with a slash.",
		ft.list)
}

// SearchFiles returns the search_files tool.
func SearchFiles(ws *Workspace) Tool {
	ft := &fileTools{ws: ws}
	return MustNew("search_files",
		"Search workspace text files for lines matching a regular expression. Returns path:line: text.",
		ft.search)
}

func (f *fileTools) read(ctx context.Context, in ReadFileInput) (string, error) {
	path, err := f.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	file, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", in.Path)
	}

	data, err := io.ReadAll(io.LimitReader(file, int64(f.maxRead)+1))
	if err != nil {
		return "", err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return fmt.Sprintf("%s is a binary file (%d bytes)", in.Path, info.Size()), nil
	}
	if len(data) > f.maxRead {
		return truncateUTF8(string(data), f.maxRead) +
			fmt.Sprintf("\n... [truncated: file is %d bytes]", info.Size()), nil
	}
	return string(data), nil
}

// readLimit is how many bytes of a file read_file returns when tool
// output is capped at maxOutput.
func readLimit(maxOutput int) int {
	if maxOutput <= 0 {
		maxOutput = DefaultExecutorOptions().MaxOutputBytes
	}
	if maxOutput <= 2*readNoticeReserve {
		return maxOutput / 2
	}
	return maxOutput - readNoticeReserve
}

func (f *fileTools) write(ctx context.Context, in WriteFileInput) (string, error) {
	path, err := f.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	if path == f.ws.Root() {
		return "", fmt.Errorf("%s is a directory", in.Path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", err
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if in.Append {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}
	file, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return "", err
	}
	n, werr := file.WriteString(in.Content)
	if cerr := file.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return "", werr
	}

	verb := "wrote"
	if in.Append {
		verb = "appended"
	}
	return fmt.Sprintf("%s %d bytes to %s", verb, n, f.ws.Rel(path)), nil
}

func (f *fileTools) list(ctx context.Context, in ListDirectoryInput) (string, error) {
	dir, err := f.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(dir)
	if err != nil {
		return "", err
	}
	if !info.IsDir() {
		return "", fmt.Errorf("%s is not a directory", in.Path)
	}

	var entries []string
	truncated := false
	add := func(rel string, isDir bool) error {
		if len(entries) >= maxListEntries {
			truncated = true
			return errStopWalk
		}
		if isDir {
			rel += "/"
		}
		entries = append(entries, rel)
		return nil
	}

	if in.Recursive {
		err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if p == dir {
				return nil
			}
			if d.IsDir() && lo.Contains(skipDirs, d.Name()) {
				return fs.SkipDir
			}
			rel, _ := filepath.Rel(dir, p)
			return add(filepath.ToSlash(rel), d.IsDir())
		})
	} else {
		var des []os.DirEntry
		des, err = os.ReadDir(dir)
		for _, d := range des {
			if add(d.Name(), d.IsDir()) != nil {
				break
			}
		}
	}
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", err
	}

	if len(entries) == 0 {
		return "(empty directory)", nil
	}
	sort.Strings(entries)
	out := strings.Join(entries, "\n")
	if truncated {
		out += fmt.Sprintf("\n... [truncated at %d entries]", maxListEntries)
	}
	return out, nil
}

func (f *fileTools) search(ctx context.Context, in SearchFilesInput) (string, error) {
	re, err := regexp.Compile(in.Pattern)
	if err != nil {
		return "", fmt.Errorf("invalid pattern: %w", err)
	}
	if in.Glob != "" {
		if _, err := filepath.Match(in.Glob, ""); err != nil {
			return "", fmt.Errorf("invalid glob: %w", err)
		}
	}
	root, err := f.ws.Resolve(in.Path)
	if err != nil {
		return "", err
	}
	limit := in.MaxResults
	if limit == 0 {
		limit = defaultMaxMatches
	}

	var matches []string
	err = filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if p != root && lo.Contains(skipDirs, d.Name()) {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if in.Glob != "" {
			if ok, _ := filepath.Match(in.Glob, d.Name()); !ok {
				return nil
			}
		}
		found, err := searchFile(p, f.ws.Rel(p), re, limit-len(matches))
		if err != nil {
			return nil
		}
		matches = append(matches, found...)
		if len(matches) >= limit {
			return errStopWalk
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStopWalk) {
		return "", err
	}

	if len(matches) == 0 {
		return "no matches", nil
	}
	out := strings.Join(matches, "\n")
	if len(matches) >= limit {
		out += fmt.Sprintf("\n... [stopped after %d matches]", limit)
	}
	return out, nil
}

// searchFile returns up to limit matches in one file. Binary and oversized
// files are skipped.
func searchFile(path, rel string, re *regexp.Regexp, limit int) ([]string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSearchFileSize {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if bytes.IndexByte(data, 0) >= 0 {
		return nil, nil
	}

	var out []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), maxSearchFileSize)
	for line := 1; scanner.Scan() && len(out) < limit; line++ {
		text := scanner.Text()
		if re.MatchString(text) {
			out = append(out, fmt.Sprintf("%s:%d: %s", rel, line, lo.Substring(strings.TrimSpace(text), 0, maxMatchLineRunes)))
		}
	}
	return out, nil
}

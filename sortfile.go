package squash

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
)

// SortRule pins one path to a packing priority: files sort-file lists
// with a higher priority are written to the data region earlier. This
// mirrors gensquashfs's -s/sort-file option (mkfs.c's fstree_sort_files),
// which reorders the data-packing worklist without changing inode
// numbering.
type SortRule struct {
	Path     string
	Priority int64
}

// ParseSortFile reads gensquashfs's sort-file format: one "path priority"
// pair per line, blank lines and '#' comments ignored, paths quoted the
// same way pseudo-file paths are.
func ParseSortFile(r io.Reader) ([]SortRule, error) {
	var rules []SortRule
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimLeft(scanner.Text(), " \t")
		if line == "" || line[0] == '#' {
			continue
		}
		p, rest, err := readPseudoString(line)
		if err != nil {
			return nil, newParseErr("sortfile", lineNum, err)
		}
		rest = strings.TrimSpace(rest)
		if rest == "" {
			return nil, newParseErr("sortfile", lineNum, fmt.Errorf("missing priority"))
		}
		priority, err := strconv.ParseInt(rest, 10, 64)
		if err != nil {
			return nil, newParseErr("sortfile", lineNum, fmt.Errorf("priority must be a decimal integer"))
		}
		rules = append(rules, SortRule{Path: "/" + strings.Trim(p, "/"), Priority: priority})
	}
	if err := scanner.Err(); err != nil {
		return nil, newErr(KindIO, err)
	}
	return rules, nil
}

// WithSortFile reorders the packing worklist PostProcess builds: rules
// name paths by descending priority; files it doesn't mention default to
// priority 0. Two entries claiming the same priority — including a
// listed file tied with an unlisted one — keep their pre-sort order
// (inode order), since gensquashfs never documented a tiebreak and
// guessing at one risks a packing order its own tool wouldn't produce.
func WithSortFile(rules []SortRule) PostProcessOption {
	return func(c *postProcessConfig) {
		c.sortRules = rules
	}
}

// applySortRules stably reorders t.files (already in inode order) by
// descending rule priority.
func (t *Tree) applySortRules(rules []SortRule) {
	if len(rules) == 0 {
		return
	}
	priority := make(map[string]int64, len(rules))
	for _, r := range rules {
		priority[r.Path] = r.Priority
	}
	paths := t.filePaths()
	sort.SliceStable(t.files, func(i, j int) bool {
		return priority[paths[t.files[i]]] > priority[paths[t.files[j]]]
	})
}

// filePaths returns the full tree path of every regular-file node, for
// sort-rule priority lookup.
func (t *Tree) filePaths() map[nodeRef]string {
	paths := make(map[nodeRef]string, len(t.files))
	var walk func(nodeRef, string)
	walk = func(ref nodeRef, prefix string) {
		n := t.node(ref)
		if n.kind == KindRegular {
			paths[ref] = prefix
		}
		if n.kind == KindDirectory {
			for _, c := range n.children {
				walk(c.ref, prefix+"/"+c.name)
			}
		}
	}
	walk(t.root, "")
	return paths
}

// Package partpath parses the identifiers exams use to address scoring nodes,
// e.g. "q0p1", "q2p0g3" or "q1p4s0".
package partpath

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// ErrInvalidPath indicates a string that does not follow q<n>p<n>[g<n>|s<n>].
var ErrInvalidPath = errors.New("invalid part path")

var pathPattern = regexp.MustCompile(`^q(\d+)p(\d+)(?:g(\d+)|s(\d+))?$`)

// Kind distinguishes a part from its gaps and steps.
type Kind int

const (
	KindPart Kind = iota
	KindGap
	KindStep
)

func (k Kind) String() string {
	switch k {
	case KindGap:
		return "gap"
	case KindStep:
		return "step"
	default:
		return "part"
	}
}

// Path is a parsed part path. Index is only meaningful for gaps and steps.
type Path struct {
	Question int
	Part     int
	Kind     Kind
	Index    int
}

// Parse converts a raw path string into its typed form.
func Parse(raw string) (Path, error) {
	m := pathPattern.FindStringSubmatch(raw)
	if m == nil {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	question, err := strconv.Atoi(m[1])
	if err != nil {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}
	part, err := strconv.Atoi(m[2])
	if err != nil {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	p := Path{Question: question, Part: part, Kind: KindPart}
	switch {
	case m[3] != "":
		p.Kind = KindGap
		p.Index, err = strconv.Atoi(m[3])
	case m[4] != "":
		p.Kind = KindStep
		p.Index, err = strconv.Atoi(m[4])
	}
	if err != nil {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidPath, raw)
	}

	return p, nil
}

// String renders the path back into its canonical form.
func (p Path) String() string {
	base := fmt.Sprintf("q%dp%d", p.Question, p.Part)
	switch p.Kind {
	case KindGap:
		return fmt.Sprintf("%sg%d", base, p.Index)
	case KindStep:
		return fmt.Sprintf("%ss%d", base, p.Index)
	default:
		return base
	}
}

// IsPart reports whether the path addresses a whole part rather than a gap or step.
func (p Path) IsPart() bool {
	return p.Kind == KindPart
}

// PartPath returns the path of the part that owns p.
func (p Path) PartPath() Path {
	return Path{Question: p.Question, Part: p.Part, Kind: KindPart}
}

// IsPartPath reports whether raw is a well-formed whole-part path.
func IsPartPath(raw string) bool {
	p, err := Parse(raw)
	return err == nil && p.IsPart()
}

// QuestionPrefix is the prefix shared by every part path of question n.
func QuestionPrefix(n int) string {
	return fmt.Sprintf("q%dp", n)
}

// GapPrefix is the prefix shared by every gap of the given part path.
func GapPrefix(part string) string {
	return part + "g"
}

// Covers reports whether an override placed on ancestor applies to path:
// either they are equal, or path is a gap or step of ancestor.
func Covers(ancestor, path string) bool {
	if ancestor == path {
		return true
	}
	return strings.HasPrefix(path, ancestor+"g") || strings.HasPrefix(path, ancestor+"s")
}

// SortPaths orders paths by length, then lexicographically, so that "q9p1"
// comes before "q10p1".
func SortPaths(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		if len(paths[i]) != len(paths[j]) {
			return len(paths[i]) < len(paths[j])
		}
		return paths[i] < paths[j]
	})
}

// PartNode lists the gap and step indices observed for one part.
type PartNode struct {
	Gaps  []int `json:"gaps"`
	Steps []int `json:"steps"`
}

// Hierarchy maps question number to part number to observed children.
type Hierarchy struct {
	Questions map[int]map[int]*PartNode
	Invalid   []string
}

// BuildHierarchy groups the observed paths into questions and parts. Paths
// that do not parse are collected in Invalid rather than failing the whole tree.
func BuildHierarchy(paths []string) Hierarchy {
	sorted := append([]string(nil), paths...)
	SortPaths(sorted)

	h := Hierarchy{Questions: make(map[int]map[int]*PartNode)}
	for _, raw := range sorted {
		p, err := Parse(raw)
		if err != nil {
			h.Invalid = append(h.Invalid, raw)
			continue
		}

		parts, ok := h.Questions[p.Question]
		if !ok {
			parts = make(map[int]*PartNode)
			h.Questions[p.Question] = parts
		}
		node, ok := parts[p.Part]
		if !ok {
			node = &PartNode{Gaps: []int{}, Steps: []int{}}
			parts[p.Part] = node
		}

		switch p.Kind {
		case KindGap:
			node.Gaps = appendUnique(node.Gaps, p.Index)
		case KindStep:
			node.Steps = appendUnique(node.Steps, p.Index)
		}
	}

	return h
}

// QuestionNumbers returns the question numbers in ascending order.
func (h Hierarchy) QuestionNumbers() []int {
	out := make([]int, 0, len(h.Questions))
	for n := range h.Questions {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// PartNumbers returns the part numbers of question n in ascending order.
func (h Hierarchy) PartNumbers(question int) []int {
	parts := h.Questions[question]
	out := make([]int, 0, len(parts))
	for n := range parts {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

// Part returns the node for the given part, if it was observed.
func (h Hierarchy) Part(question, part int) (*PartNode, bool) {
	parts, ok := h.Questions[question]
	if !ok {
		return nil, false
	}
	node, ok := parts[part]
	return node, ok
}

func appendUnique(values []int, v int) []int {
	for _, existing := range values {
		if existing == v {
			return values
		}
	}
	return append(values, v)
}

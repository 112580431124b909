package service

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/noah-isme/gema-scorm-api/internal/models"
	"github.com/noah-isme/gema-scorm-api/pkg/partpath"
)

// ErrInvalidScoreValue is returned when a stored score is not a number.
var ErrInvalidScoreValue = errors.New("invalid score value")

var (
	interactionIDKey = regexp.MustCompile(`^cmi\.interactions\.(\d+)\.id$`)
	objectiveIDKey   = regexp.MustCompile(`^cmi\.objectives\.(\d+)\.id$`)
)

// partRule names the branch that decides a part's score.
type partRule int

const (
	ruleBaseLookup partRule = iota
	ruleDiscountRemove
	ruleDiscountFullMarks
	ruleRemarkDirect
	ruleChildOverride
)

func (r partRule) String() string {
	switch r {
	case ruleDiscountRemove:
		return "discount_remove"
	case ruleDiscountFullMarks:
		return "discount_fullmarks"
	case ruleRemarkDirect:
		return "remark"
	case ruleChildOverride:
		return "child_override"
	default:
		return "interaction"
	}
}

// QuestionScoreInfo is the score of one question.
type QuestionScoreInfo struct {
	Number           int
	RawScore         float64
	MaxScore         float64
	ScaledScore      float64
	CompletionStatus string
}

// AttemptScore is the total score of an attempt.
type AttemptScore struct {
	RawScore    float64
	MaxScore    float64
	ScaledScore float64
	Overridden  bool
}

// scoreSheet holds everything needed to score one attempt: the latest value
// of every key, which interaction records each part path, and the overrides.
type scoreSheet struct {
	attempt      models.Attempt
	resource     models.Resource
	values       map[string]string
	interactions map[string]int
	objectives   map[int]struct{}
	paths        []string
	hierarchy    partpath.Hierarchy
	remarks      map[string]models.RemarkPart
	discounts    map[string]models.DiscountPart
}

// newScoreSheet folds an ascending element list into a score sheet.
func newScoreSheet(attempt models.Attempt, resource models.Resource, elements []models.ScormElement, remarks []models.RemarkPart, discounts []models.DiscountPart) *scoreSheet {
	sheet := &scoreSheet{
		attempt:      attempt,
		resource:     resource,
		values:       make(map[string]string, len(elements)),
		interactions: make(map[string]int),
		objectives:   make(map[int]struct{}),
		remarks:      make(map[string]models.RemarkPart, len(remarks)),
		discounts:    make(map[string]models.DiscountPart, len(discounts)),
	}

	sorted := append([]models.ScormElement(nil), elements...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return models.CompareElements(sorted[i], sorted[j]) < 0
	})

	seenPaths := make(map[string]struct{})
	for _, element := range sorted {
		sheet.values[element.Key] = element.Value

		if m := interactionIDKey.FindStringSubmatch(element.Key); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil {
				continue
			}
			sheet.interactions[element.Value] = n
			if _, ok := seenPaths[element.Value]; !ok {
				seenPaths[element.Value] = struct{}{}
				sheet.paths = append(sheet.paths, element.Value)
			}
			continue
		}
		if m := objectiveIDKey.FindStringSubmatch(element.Key); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				sheet.objectives[n] = struct{}{}
			}
		}
	}

	partpath.SortPaths(sheet.paths)
	sheet.hierarchy = partpath.BuildHierarchy(sheet.paths)

	for _, remark := range remarks {
		sheet.remarks[remark.Part] = remark
	}
	for _, discount := range discounts {
		sheet.discounts[discount.Part] = discount
	}

	return sheet
}

func (s *scoreSheet) overridden() bool {
	return len(s.remarks) > 0 || len(s.discounts) > 0
}

// discountFor returns the discount on path itself or, for a gap or step, on
// the part that owns it.
func (s *scoreSheet) discountFor(path string) (models.DiscountPart, bool) {
	if discount, ok := s.discounts[path]; ok {
		return discount, true
	}
	for part, discount := range s.discounts {
		if partpath.Covers(part, path) {
			return discount, true
		}
	}
	return models.DiscountPart{}, false
}

func (s *scoreSheet) gapRemarked(path string) bool {
	prefix := partpath.GapPrefix(path)
	for part := range s.remarks {
		if strings.HasPrefix(part, prefix) {
			return true
		}
	}
	return false
}

func (s *scoreSheet) gapDiscounted(path string) bool {
	prefix := partpath.GapPrefix(path)
	for part := range s.discounts {
		if strings.HasPrefix(part, prefix) {
			return true
		}
	}
	return false
}

// scoreRule picks the branch for part_score. The order of the checks is the
// precedence of the overrides.
func (s *scoreSheet) scoreRule(path string) partRule {
	if discount, ok := s.discountFor(path); ok {
		if discount.Behaviour == models.DiscountRemove {
			return ruleDiscountRemove
		}
		return ruleDiscountFullMarks
	}
	if _, ok := s.remarks[path]; ok {
		return ruleRemarkDirect
	}
	if s.gapRemarked(path) || s.gapDiscounted(path) {
		return ruleChildOverride
	}
	return ruleBaseLookup
}

// maxRule picks the branch for part_max_score. Remarks never change a maximum
// and a full marks discount leaves it untouched.
func (s *scoreSheet) maxRule(path string) partRule {
	if discount, ok := s.discountFor(path); ok && discount.Behaviour == models.DiscountRemove {
		return ruleDiscountRemove
	}
	if s.gapDiscounted(path) {
		return ruleChildOverride
	}
	return ruleBaseLookup
}

func (s *scoreSheet) partScore(path string) (float64, error) {
	switch s.scoreRule(path) {
	case ruleDiscountRemove, ruleDiscountFullMarks:
		return s.partMaxScore(path)
	case ruleRemarkDirect:
		return s.remarks[path].Score, nil
	case ruleChildOverride:
		total := 0.0
		for _, gap := range s.gapPaths(path) {
			score, err := s.partScore(gap)
			if err != nil {
				return 0, err
			}
			total += score
		}
		return total, nil
	default:
		return s.interactionValue(path, "result")
	}
}

func (s *scoreSheet) partMaxScore(path string) (float64, error) {
	switch s.maxRule(path) {
	case ruleDiscountRemove:
		return 0, nil
	case ruleChildOverride:
		total := 0.0
		for _, gap := range s.gapPaths(path) {
			score, err := s.partMaxScore(gap)
			if err != nil {
				return 0, err
			}
			total += score
		}
		return total, nil
	default:
		return s.interactionValue(path, "weighting")
	}
}

// gapPaths lists the observed gaps of a whole-part path.
func (s *scoreSheet) gapPaths(path string) []string {
	p, err := partpath.Parse(path)
	if err != nil || !p.IsPart() {
		return nil
	}
	node, ok := s.hierarchy.Part(p.Question, p.Part)
	if !ok {
		return nil
	}

	out := make([]string, 0, len(node.Gaps))
	for _, gap := range node.Gaps {
		out = append(out, partpath.Path{Question: p.Question, Part: p.Part, Kind: partpath.KindGap, Index: gap}.String())
	}
	return out
}

// interactionValue reads cmi.interactions.{n}.{field} for the interaction that
// records path. A path with no interaction scores 0.
func (s *scoreSheet) interactionValue(path, field string) (float64, error) {
	n, ok := s.interactions[path]
	if !ok {
		return 0, nil
	}
	return s.number(fmt.Sprintf("cmi.interactions.%d.%s", n, field), 0)
}

// number parses the latest value of key, returning fallback when it was never written.
func (s *scoreSheet) number(key string, fallback float64) (float64, error) {
	raw, ok := s.values[key]
	if !ok {
		return fallback, nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrInvalidScoreValue, key, raw)
	}
	return value, nil
}

func (s *scoreSheet) questionOverridden(n int) bool {
	prefix := partpath.QuestionPrefix(n)
	for part := range s.remarks {
		if strings.HasPrefix(part, prefix) {
			return true
		}
	}
	for part := range s.discounts {
		if strings.HasPrefix(part, prefix) {
			return true
		}
	}
	return false
}

func (s *scoreSheet) questionInfo(n int) (QuestionScoreInfo, error) {
	info := QuestionScoreInfo{Number: n, CompletionStatus: models.CompletionNotAttempted}
	if status, ok := s.values[fmt.Sprintf("cmi.objectives.%d.completion_status", n)]; ok {
		info.CompletionStatus = status
	}

	if s.questionOverridden(n) {
		for _, part := range s.hierarchy.PartNumbers(n) {
			path := partpath.Path{Question: n, Part: part}.String()
			raw, err := s.partScore(path)
			if err != nil {
				return QuestionScoreInfo{}, err
			}
			maxScore, err := s.partMaxScore(path)
			if err != nil {
				return QuestionScoreInfo{}, err
			}
			info.RawScore += raw
			info.MaxScore += maxScore
		}
		info.ScaledScore = scale(info.RawScore, info.MaxScore)
		return info, nil
	}

	var err error
	if info.RawScore, err = s.number(fmt.Sprintf("cmi.objectives.%d.score.raw", n), 0); err != nil {
		return QuestionScoreInfo{}, err
	}
	if info.MaxScore, err = s.number(fmt.Sprintf("cmi.objectives.%d.score.max", n), 0); err != nil {
		return QuestionScoreInfo{}, err
	}
	if info.ScaledScore, err = s.number(fmt.Sprintf("cmi.objectives.%d.score.scaled", n), 0); err != nil {
		return QuestionScoreInfo{}, err
	}
	return info, nil
}

// attemptScore trusts the exam's own totals unless an override could have
// changed them.
func (s *scoreSheet) attemptScore() (AttemptScore, error) {
	score := AttemptScore{Overridden: s.overridden()}

	if score.Overridden {
		for n := 0; n < s.resource.NumQuestions; n++ {
			info, err := s.questionInfo(n)
			if err != nil {
				return AttemptScore{}, err
			}
			score.RawScore += info.RawScore
			score.MaxScore += info.MaxScore
		}
		score.ScaledScore = scale(score.RawScore, score.MaxScore)
		return score, nil
	}

	var err error
	if score.RawScore, err = s.number(models.KeyScoreRaw, 0); err != nil {
		return AttemptScore{}, err
	}

	if _, ok := s.values[models.KeyScoreMax]; ok {
		if score.MaxScore, err = s.number(models.KeyScoreMax, 0); err != nil {
			return AttemptScore{}, err
		}
	} else {
		for n := 0; n < s.resource.NumQuestions; n++ {
			info, err := s.questionInfo(n)
			if err != nil {
				return AttemptScore{}, err
			}
			score.MaxScore += info.MaxScore
		}
	}

	score.ScaledScore = scale(score.RawScore, score.MaxScore)
	return score, nil
}

// questionNumbers lists every question the attempt or its resource knows about.
func (s *scoreSheet) questionNumbers() []int {
	seen := make(map[int]struct{}, len(s.objectives)+s.resource.NumQuestions)
	for n := range s.objectives {
		seen[n] = struct{}{}
	}
	for n := 0; n < s.resource.NumQuestions; n++ {
		seen[n] = struct{}{}
	}

	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func scale(raw, maxScore float64) float64 {
	if maxScore == 0 {
		return 0
	}
	return raw / maxScore
}

package overlap

import (
	"path"
	"sort"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/felixgeelhaar/flotilla/internal/domain"
	"github.com/felixgeelhaar/flotilla/internal/prd"
)

const (
	// HintConfidence is reported when a task names its resources explicitly
	HintConfidence = 0.95

	baseConfidence       = 0.2
	perMatchConfidence   = 0.1
	maxKeywordConfidence = 0.5
	noMatchConfidence    = 0.1

	defaultCacheSize = 1024
)

// Prediction is the expected resource footprint of a task
type Prediction struct {
	TaskID     domain.TaskID `json:"task_id"`
	Resources  []string      `json:"resources"`
	Domains    []string      `json:"domains"`
	Confidence float64       `json:"confidence"`
}

// Predictor estimates which resources a task will touch
type Predictor interface {
	Predict(task prd.Task) Prediction
}

// KeywordPredictor matches task descriptions against a keyword table.
// Predictions are cached per task id until Reset is called.
type KeywordPredictor struct {
	rules    []Rule
	keywords map[string][]int
	cache    *lru.Cache[domain.TaskID, Prediction]
}

// Option configures a KeywordPredictor
type Option func(*KeywordPredictor)

// WithRules replaces the built-in keyword table
func WithRules(rules []Rule) Option {
	return func(p *KeywordPredictor) {
		p.rules = rules
	}
}

// WithCacheSize bounds the number of cached predictions
func WithCacheSize(size int) Option {
	return func(p *KeywordPredictor) {
		if size <= 0 {
			return
		}
		if cache, err := lru.New[domain.TaskID, Prediction](size); err == nil {
			p.cache = cache
		}
	}
}

// NewKeywordPredictor creates a predictor using DefaultRules unless overridden
func NewKeywordPredictor(opts ...Option) *KeywordPredictor {
	p := &KeywordPredictor{rules: DefaultRules}
	for _, opt := range opts {
		opt(p)
	}
	if p.cache == nil {
		p.cache, _ = lru.New[domain.TaskID, Prediction](defaultCacheSize)
	}

	p.keywords = make(map[string][]int)
	for i, rule := range p.rules {
		for _, kw := range rule.Keywords {
			kw = strings.ToLower(kw)
			p.keywords[kw] = append(p.keywords[kw], i)
		}
	}
	return p
}

// Predict returns the predicted footprint of task
func (p *KeywordPredictor) Predict(task prd.Task) Prediction {
	if cached, ok := p.cache.Get(task.ID); ok {
		return cached
	}

	var pred Prediction
	if len(task.ResourceHints) > 0 {
		pred = p.fromHints(task)
	} else {
		pred = p.fromDescription(task)
	}
	p.cache.Add(task.ID, pred)
	return pred
}

// Reset drops all cached predictions
func (p *KeywordPredictor) Reset() {
	p.cache.Purge()
}

// Cached returns the number of cached predictions
func (p *KeywordPredictor) Cached() int {
	return p.cache.Len()
}

func (p *KeywordPredictor) fromHints(task prd.Task) Prediction {
	resources := dedupe(task.ResourceHints)

	var domains []string
	for _, rule := range p.rules {
		if anyOverlap(rule.Prefixes, resources) {
			domains = append(domains, rule.Domain)
		}
	}

	return Prediction{
		TaskID:     task.ID,
		Resources:  resources,
		Domains:    dedupe(domains),
		Confidence: HintConfidence,
	}
}

func (p *KeywordPredictor) fromDescription(task prd.Task) Prediction {
	matchedRules := make(map[int]bool)
	matches := 0
	seen := make(map[string]bool)

	for _, word := range words(task.Description) {
		if seen[word] {
			continue
		}
		seen[word] = true

		idx, ok := p.keywords[word]
		if !ok && len(word) > 3 && strings.HasSuffix(word, "s") {
			idx, ok = p.keywords[strings.TrimSuffix(word, "s")]
		}
		if !ok {
			continue
		}
		matches++
		for _, i := range idx {
			matchedRules[i] = true
		}
	}

	pred := Prediction{TaskID: task.ID, Confidence: noMatchConfidence}
	if matches == 0 {
		return pred
	}

	var resources, domains []string
	for i, rule := range p.rules {
		if matchedRules[i] {
			domains = append(domains, rule.Domain)
			resources = append(resources, rule.Prefixes...)
		}
	}
	pred.Domains = dedupe(domains)
	pred.Resources = dedupe(resources)
	pred.Confidence = min(maxKeywordConfidence, baseConfidence+perMatchConfidence*float64(matches))
	return pred
}

// Overlaps reports whether two predictions may touch the same resources:
// their domain tags intersect, or one resource path equals or contains another.
func Overlaps(a, b Prediction) bool {
	for _, da := range a.Domains {
		for _, db := range b.Domains {
			if da == db {
				return true
			}
		}
	}
	return anyOverlap(a.Resources, b.Resources)
}

// PathsOverlap reports whether two resource paths are equal or one is a
// directory prefix of the other. "." stands for the whole repository.
func PathsOverlap(a, b string) bool {
	a, b = normalize(a), normalize(b)
	if a == "" || b == "" {
		return false
	}
	if a == b || a == "." || b == "." {
		return true
	}
	return strings.HasPrefix(b, a+"/") || strings.HasPrefix(a, b+"/")
}

func anyOverlap(as, bs []string) bool {
	for _, a := range as {
		for _, b := range bs {
			if PathsOverlap(a, b) {
				return true
			}
		}
	}
	return false
}

func normalize(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = path.Clean(strings.ReplaceAll(p, "\\", "/"))
	if p == "/" {
		return "."
	}
	return strings.TrimPrefix(p, "/")
}

func words(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}

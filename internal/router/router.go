package router

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/fentz26/swarmq/internal/models"
)

// Router decides whether a task is served by a reusable tool.
type Router interface {
	Route(task *models.Task) Decision
}

// KeywordRouter scores tools by pattern and keyword overlap.
type KeywordRouter struct {
	config   *Config
	registry *Registry
	cache    *ristretto.Cache[string, Decision]
}

// NewRouter creates a keyword router. A nil config uses DefaultConfig and a
// nil registry is built from the config's tools.
func NewRouter(cfg *Config, reg *Registry) (*KeywordRouter, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if reg == nil {
		var err error
		if reg, err = NewRegistryFromConfig(cfg); err != nil {
			return nil, err
		}
	}

	r := &KeywordRouter{config: cfg, registry: reg}
	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config[string, Decision]{
			NumCounters: cfg.CacheSize * 10,
			MaxCost:     cfg.CacheSize,
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("create decision cache: %w", err)
		}
		r.cache = cache
	}
	return r, nil
}

// Route returns the routing decision for task. Identical instructions under
// the same registry version hit the cache.
func (r *KeywordRouter) Route(task *models.Task) Decision {
	if !r.config.Enabled {
		return NoMatch{}
	}

	tools, version := r.registry.candidates()
	if r.cache == nil {
		return decide(tools, task, r.config.Threshold)
	}

	key := cacheKey(task, version)
	if d, ok := r.cache.Get(key); ok {
		return d
	}
	d := decide(tools, task, r.config.Threshold)
	r.cache.Set(key, d, 1)
	return d
}

// Wait blocks until pending cache writes are applied.
func (r *KeywordRouter) Wait() {
	if r.cache != nil {
		r.cache.Wait()
	}
}

// Close releases the decision cache.
func (r *KeywordRouter) Close() {
	if r.cache != nil {
		r.cache.Close()
	}
}

// Registry returns the router's registry.
func (r *KeywordRouter) Registry() *Registry {
	return r.registry
}

// Config returns the router's configuration.
func (r *KeywordRouter) Config() *Config {
	return r.config
}

func cacheKey(task *models.Task, version uint64) string {
	h := sha256.Sum256([]byte(string(task.Mode) + "\x00" + task.Instruction))
	return fmt.Sprintf("%d:%s", version, hex.EncodeToString(h[:]))
}

// decide is a pure function of the candidate tools and task metadata.
// Candidates arrive sorted by priority, so the first best score wins ties.
func decide(tools []entry, task *models.Task, threshold float64) Decision {
	var best *entry
	bestScore := 0.0
	for i := range tools {
		e := &tools[i]
		if !e.tool.Serves(task.Mode) {
			continue
		}
		if s := score(e.pattern, e.tool.Keywords, task.Instruction); s > bestScore {
			best, bestScore = e, s
		}
	}
	if best == nil {
		return NoMatch{}
	}
	if bestScore >= threshold {
		return Match{Tool: best.tool, Confidence: bestScore}
	}
	return NoMatch{Best: best.tool.Name, Confidence: bestScore}
}

// Score returns a tool's confidence for an instruction in [0, 1].
func Score(tool Tool, instruction string) float64 {
	var re *regexp.Regexp
	if tool.Pattern != "" {
		re, _ = regexp.Compile(tool.Pattern)
	}
	return score(re, tool.Keywords, instruction)
}

// score matches the pattern against the instruction as written and the
// keywords case-insensitively.
func score(pattern *regexp.Regexp, keywords []string, instruction string) float64 {
	if pattern != nil && pattern.MatchString(instruction) {
		return 1.0
	}
	text := strings.ToLower(instruction)
	if len(keywords) == 0 {
		return 0
	}
	hits := 0
	for _, kw := range keywords {
		if containsWord(text, strings.ToLower(kw)) {
			hits++
		}
	}
	return float64(hits) / float64(len(keywords))
}

// containsWord checks if text contains keyword as a whole word.
func containsWord(text, keyword string) bool {
	// Multi-word keywords like "pull request" use simple contains.
	if strings.Contains(keyword, " ") {
		return strings.Contains(text, keyword)
	}

	for _, word := range strings.Fields(text) {
		if strings.Trim(word, ".,;:!?\"'()[]{}") == keyword {
			return true
		}
	}
	return false
}

// Expand substitutes the task instruction into the tool's args.
func Expand(tool Tool, instruction string) []string {
	args := make([]string, len(tool.Args))
	for i, a := range tool.Args {
		args[i] = strings.ReplaceAll(a, Placeholder, instruction)
	}
	return args
}

package moe

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Precision is the serialization tier assigned to a routed tool.
type Precision string

const (
	// PrecisionFull tools are inlined in every provider request.
	PrecisionFull Precision = "full"
	// PrecisionHalf tools are deferred and discovered on demand.
	PrecisionHalf Precision = "half"
	// PrecisionQuarter tools are deferred with the lowest priority.
	PrecisionQuarter Precision = "quarter"
)

// ExpertSelection is one ranked expert with its match score.
type ExpertSelection struct {
	Name  string  `json:"name"`
	Score float64 `json:"score"`
}

// RouteResult is the router's full answer for one task.
type RouteResult struct {
	// SelectedExperts is ranked best first.
	SelectedExperts []ExpertSelection `json:"selected_experts"`

	// Confidence is the normalized score of the top selection.
	Confidence float64 `json:"confidence"`

	// RoutedTools maps each expert-owned tool to its precision tier.
	RoutedTools map[string]Precision `json:"routed_tools"`

	// SharedTools are always available regardless of expert.
	SharedTools []string `json:"shared_tools"`

	// SystemPromptAddendum instructs the LLM about the expert focus.
	SystemPromptAddendum string `json:"system_prompt_addendum"`

	// PromptExclusions are base-prompt sections the top experts drop.
	PromptExclusions []string `json:"prompt_exclusions"`

	// RoutingReasoning is a human-readable account of the selection.
	RoutingReasoning string `json:"routing_reasoning"`

	// CacheHit marks results served from the route cache.
	CacheHit bool `json:"cache_hit"`

	// TotalToolTokens estimates the token cost of the routed tool set.
	TotalToolTokens int `json:"total_tool_tokens"`
}

// toolTokenEstimate approximates the serialized footprint of one inlined
// tool definition.
const toolTokenEstimate = 150

// MaxSelectedExperts bounds how many experts contribute tools.
const MaxSelectedExperts = 2

// Config configures a Router.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Profiles overrides the default expert set when non-empty.
	Profiles []*ExpertProfile `yaml:"profiles"`

	// SharedTools are always routed at full precision.
	SharedTools []string `yaml:"shared_tools"`
}

// Router scores expert profiles against task text and derives the routed
// tool set. Routes are cached per task string until invalidated.
type Router struct {
	mu       sync.RWMutex
	profiles []*ExpertProfile
	shared   []string
	cache    map[string]*RouteResult
}

// NewRouter creates a router. Empty config fields fall back to the default
// profiles and a minimal shared set.
func NewRouter(cfg Config) *Router {
	profiles := cfg.Profiles
	if len(profiles) == 0 {
		profiles = DefaultProfiles()
	}
	shared := cfg.SharedTools
	if len(shared) == 0 {
		shared = []string{"scratchpad", "datetime", "ask_user"}
	}
	return &Router{
		profiles: profiles,
		shared:   shared,
		cache:    make(map[string]*RouteResult),
	}
}

// Invalidate drops all cached routes. Call it when the tool registry
// changes.
func (r *Router) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*RouteResult)
}

// Route classifies the task and derives the routed tool set. Identical
// task strings are served from cache with CacheHit set.
func (r *Router) Route(task string) *RouteResult {
	key := strings.ToLower(strings.TrimSpace(task))

	r.mu.RLock()
	if cached, ok := r.cache[key]; ok {
		r.mu.RUnlock()
		hit := *cached
		hit.CacheHit = true
		return &hit
	}
	r.mu.RUnlock()

	result := r.route(key)

	r.mu.Lock()
	r.cache[key] = result
	r.mu.Unlock()

	out := *result
	return &out
}

func (r *Router) route(task string) *RouteResult {
	ranked := r.rank(task)

	result := &RouteResult{
		RoutedTools: make(map[string]Precision),
		SharedTools: append([]string(nil), r.shared...),
	}

	if len(ranked) == 0 {
		result.RoutingReasoning = "no expert matched; routing shared tools only"
		result.TotalToolTokens = len(result.SharedTools) * toolTokenEstimate
		return result
	}

	total := 0.0
	for _, sel := range ranked {
		total += sel.Score
	}

	selected := ranked
	if len(selected) > MaxSelectedExperts {
		selected = selected[:MaxSelectedExperts]
	}
	result.SelectedExperts = selected
	result.Confidence = selected[0].Score / total

	var addenda []string
	var reasons []string
	exclusions := map[string]struct{}{}
	for rank, sel := range selected {
		profile := r.profile(sel.Name)
		if profile == nil {
			continue
		}
		addenda = append(addenda, profile.Addendum)
		reasons = append(reasons, fmt.Sprintf("%s (score %.1f)", profile.Name, sel.Score))
		for _, ex := range profile.PromptExclusions {
			exclusions[ex] = struct{}{}
		}

		primary := profile.PrimaryTools
		if primary <= 0 || primary > len(profile.Tools) {
			primary = len(profile.Tools)
		}
		for i, tool := range profile.Tools {
			tier := r.tier(rank, i < primary)
			// A better tier from an earlier expert wins.
			if existing, ok := result.RoutedTools[tool]; ok && tierRank(existing) <= tierRank(tier) {
				continue
			}
			result.RoutedTools[tool] = tier
		}
	}

	for ex := range exclusions {
		result.PromptExclusions = append(result.PromptExclusions, ex)
	}
	sort.Strings(result.PromptExclusions)

	result.SystemPromptAddendum = strings.Join(addenda, " ")
	result.RoutingReasoning = "selected experts: " + strings.Join(reasons, ", ")
	result.TotalToolTokens = r.estimateTokens(result)
	return result
}

// rank scores every profile by keyword hits and returns matches sorted
// best first, ties broken by profile order.
func (r *Router) rank(task string) []ExpertSelection {
	var ranked []ExpertSelection
	for _, profile := range r.profiles {
		score := 0.0
		for _, kw := range profile.Keywords {
			if strings.Contains(task, kw) {
				score++
			}
		}
		if score > 0 {
			ranked = append(ranked, ExpertSelection{Name: profile.Name, Score: score})
		}
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Score > ranked[j].Score
	})
	return ranked
}

// tier maps expert rank and primary status to a precision. The top
// expert's primary tools inline at full precision; everything else is
// deferred.
func (r *Router) tier(rank int, primary bool) Precision {
	switch {
	case rank == 0 && primary:
		return PrecisionFull
	case primary:
		return PrecisionHalf
	default:
		return PrecisionQuarter
	}
}

func tierRank(p Precision) int {
	switch p {
	case PrecisionFull:
		return 0
	case PrecisionHalf:
		return 1
	default:
		return 2
	}
}

// estimateTokens charges full price for inlined tools and fractions for
// deferred tiers, mirroring what the provider will actually serialize.
func (r *Router) estimateTokens(result *RouteResult) int {
	tokens := len(result.SharedTools) * toolTokenEstimate
	for _, tier := range result.RoutedTools {
		switch tier {
		case PrecisionFull:
			tokens += toolTokenEstimate
		case PrecisionHalf:
			tokens += toolTokenEstimate / 2
		default:
			tokens += toolTokenEstimate / 4
		}
	}
	return tokens
}

func (r *Router) profile(name string) *ExpertProfile {
	for _, p := range r.profiles {
		if p.Name == name {
			return p
		}
	}
	return nil
}

package moe

import (
	"strings"
	"testing"
)

func TestRouteSelectsMatchingExpert(t *testing.T) {
	r := NewRouter(Config{})

	result := r.Route("audit the repo for leaked credential files and secret keys")
	if len(result.SelectedExperts) == 0 {
		t.Fatal("no experts selected")
	}
	if result.SelectedExperts[0].Name != "Security" {
		t.Errorf("top expert = %q, want Security", result.SelectedExperts[0].Name)
	}
	if result.Confidence <= 0 || result.Confidence > 1 {
		t.Errorf("confidence = %v", result.Confidence)
	}
	if !strings.Contains(result.SystemPromptAddendum, "security posture") {
		t.Errorf("addendum = %q", result.SystemPromptAddendum)
	}
	if !strings.Contains(result.RoutingReasoning, "Security") {
		t.Errorf("reasoning = %q", result.RoutingReasoning)
	}
}

func TestRoutePrecisionTiers(t *testing.T) {
	r := NewRouter(Config{})

	result := r.Route("deploy the docker container through the ci pipeline")
	if result.SelectedExperts[0].Name != "DevOps" {
		t.Fatalf("top expert = %q", result.SelectedExperts[0].Name)
	}

	// Top expert's primary tools inline at full precision.
	if got := result.RoutedTools["shell_exec"]; got != PrecisionFull {
		t.Errorf("shell_exec = %q, want full", got)
	}
	// Tools past the primary cutoff defer.
	if got := result.RoutedTools["git_push"]; got == PrecisionFull {
		t.Errorf("git_push = %q, want deferred", got)
	}

	full := 0
	for _, tier := range result.RoutedTools {
		if tier == PrecisionFull {
			full++
		}
	}
	if full == 0 || full == len(result.RoutedTools) {
		t.Errorf("tiers not mixed: %v", result.RoutedTools)
	}
}

func TestRouteNoMatchRoutesSharedOnly(t *testing.T) {
	r := NewRouter(Config{})

	result := r.Route("hello there")
	if len(result.SelectedExperts) != 0 {
		t.Errorf("experts = %v", result.SelectedExperts)
	}
	if len(result.RoutedTools) != 0 {
		t.Errorf("routed tools = %v", result.RoutedTools)
	}
	if len(result.SharedTools) == 0 {
		t.Error("shared tools missing")
	}
	if result.TotalToolTokens == 0 {
		t.Error("token estimate is zero")
	}
}

func TestRouteCache(t *testing.T) {
	r := NewRouter(Config{})
	task := "fix the failing test in the parser code"

	first := r.Route(task)
	if first.CacheHit {
		t.Error("first route reported a cache hit")
	}
	second := r.Route(task)
	if !second.CacheHit {
		t.Error("second route missed the cache")
	}
	if second.SelectedExperts[0].Name != first.SelectedExperts[0].Name {
		t.Error("cached route differs")
	}

	r.Invalidate()
	third := r.Route(task)
	if third.CacheHit {
		t.Error("route after invalidation reported a cache hit")
	}
}

func TestTokenEstimateCountsDeferredCheaper(t *testing.T) {
	r := NewRouter(Config{SharedTools: []string{"ask_user"}})

	routed := r.Route("refactor the api code and run the test suite")
	if routed.TotalToolTokens <= toolTokenEstimate {
		t.Errorf("estimate = %d, too low", routed.TotalToolTokens)
	}

	allFull := len(routed.RoutedTools)*toolTokenEstimate + len(routed.SharedTools)*toolTokenEstimate
	if routed.TotalToolTokens >= allFull {
		t.Errorf("estimate %d does not discount deferred tools (full cost %d)", routed.TotalToolTokens, allFull)
	}
}

func TestPromptExclusionsUnioned(t *testing.T) {
	r := NewRouter(Config{})

	result := r.Route("train the model and deploy it with docker to kubernetes for inference")
	found := false
	for _, ex := range result.PromptExclusions {
		if ex == "browser_usage" {
			found = true
		}
	}
	if !found {
		t.Errorf("exclusions = %v", result.PromptExclusions)
	}
}

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/budget"
	"github.com/kestrelhq/kestrel/internal/consent"
	"github.com/kestrelhq/kestrel/internal/explain"
	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/moe"
	"github.com/kestrelhq/kestrel/internal/safety"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// Classifier tags a task so the orchestrator can filter tools and route
// experts. Implementations may call out to a model; the default is a
// keyword heuristic.
type Classifier interface {
	Classify(ctx context.Context, task string) models.TaskClassification
}

// ClassifierFunc adapts a function to the Classifier interface.
type ClassifierFunc func(ctx context.Context, task string) models.TaskClassification

func (f ClassifierFunc) Classify(ctx context.Context, task string) models.TaskClassification {
	return f(ctx, task)
}

// Hydrator supplies a block of repository or environment context that is
// appended to the system prompt for the duration of a task.
type Hydrator interface {
	Hydrate(ctx context.Context, task string) string
}

// Verifier checks the workspace after a file mutation. A non-empty
// feedback string with ok=false is fed back into the conversation.
type Verifier func(ctx context.Context, toolName string, args []byte) (feedback string, ok bool)

// Orchestrator runs the think/decide/act/observe loop. It exclusively owns
// its memory, guardian, budget manager, and tool registry; one task runs at
// a time.
type Orchestrator struct {
	config    Config
	client    *llm.Client
	provider  llm.Provider
	registry  *tools.Registry
	defCache  *tools.DefinitionCache
	shortTerm *memory.ShortTerm
	longTerm  *memory.LongTerm
	guardian  *safety.Guardian
	budget    *budget.Manager
	router    *moe.Router
	recorder  *explain.Recorder
	consent   *consent.Store
	redactor  *safety.Redactor
	audit     *safety.AuditLogger
	callbacks Callbacks

	classifier Classifier
	hydrator   Hydrator
	verifier   Verifier
	logger     *slog.Logger

	cancelled atomic.Bool
	tracker   stateTracker

	// Per-task loop bookkeeping. Only the loop goroutine touches these.
	healthLevel         ContextHealthLevel
	toolUses            map[string]int
	consecutiveFailures int
	lastFailedTool      string
}

// Option configures optional orchestrator collaborators.
type Option func(*Orchestrator)

// WithCallbacks installs host callbacks. Missing hooks become no-ops.
func WithCallbacks(cb Callbacks) Option {
	return func(o *Orchestrator) { o.callbacks = cb }
}

// WithLongTerm attaches a long-term memory store.
func WithLongTerm(store *memory.LongTerm) Option {
	return func(o *Orchestrator) { o.longTerm = store }
}

// WithConsentStore attaches a provider consent store.
func WithConsentStore(store *consent.Store) Option {
	return func(o *Orchestrator) { o.consent = store }
}

// WithClassifier replaces the default keyword classifier.
func WithClassifier(c Classifier) Option {
	return func(o *Orchestrator) { o.classifier = c }
}

// WithHydrator attaches a repository context hydrator.
func WithHydrator(h Hydrator) Option {
	return func(o *Orchestrator) { o.hydrator = h }
}

// WithVerifier attaches a post-write verifier.
func WithVerifier(v Verifier) Option {
	return func(o *Orchestrator) { o.verifier = v }
}

// WithAuditLogger attaches a safety audit logger.
func WithAuditLogger(a *safety.AuditLogger) Option {
	return func(o *Orchestrator) { o.audit = a }
}

// WithGuardian replaces the guardian built from config. Use it to install
// additional contracts.
func WithGuardian(g *safety.Guardian) Option {
	return func(o *Orchestrator) { o.guardian = g }
}

// WithLogger sets the diagnostic logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// NewOrchestrator wires an orchestrator around a provider and a tool
// registry.
func NewOrchestrator(provider llm.Provider, registry *tools.Registry, config Config, opts ...Option) *Orchestrator {
	config.sanitize()

	o := &Orchestrator{
		config:   config,
		provider: provider,
		registry: registry,
		logger:   slog.Default(),
		toolUses: make(map[string]int),
	}
	for _, opt := range opts {
		opt(o)
	}
	o.callbacks = o.callbacks.sanitize()

	if o.guardian == nil {
		o.guardian = safety.NewGuardian(safety.ParseApprovalMode(config.Safety.ApprovalMode))
	}
	o.budget = budget.NewManager(config.Budget)
	o.defCache = tools.NewDefinitionCache(registry)
	o.recorder = explain.NewRecorder(config.DecisionLogPath)
	o.redactor = safety.NewRedactor()
	if config.MoE.Enabled {
		o.router = moe.NewRouter(config.MoE)
	}
	if o.classifier == nil {
		o.classifier = ClassifierFunc(classifyTask)
	}

	var summarizer memory.Summarizer
	if provider != nil {
		summarizer = memory.NewLLMSummarizer(provider)
	}
	o.shortTerm = memory.NewShortTerm(config.Memory, summarizer, o.logger)

	clientOpts := []llm.ClientOption{
		llm.WithStreaming(config.LLM.UseStreaming),
		llm.WithRetryConfig(config.LLM.Retry),
		llm.WithLogger(o.logger),
	}
	if config.LLM.RateLimits.Enabled() {
		clientOpts = append(clientOpts, llm.WithRateLimiter(llm.NewRateLimiter(config.LLM.RateLimits)))
	}
	o.client = llm.NewClient(provider, clientOpts...)

	o.tracker.update(func(s *AgentState) {
		s.Status = StatusIdle
		s.MaxIterations = config.MaxIterations
	})
	return o
}

// State returns a snapshot of the current agent state.
func (o *Orchestrator) State() AgentState { return o.tracker.snapshot() }

// Memory returns the short-term message window.
func (o *Orchestrator) Memory() *memory.ShortTerm { return o.shortTerm }

// Budget returns the budget manager for UI surfaces.
func (o *Orchestrator) Budget() *budget.Manager { return o.budget }

// Decisions returns the decision recorder backing /why and /decisions.
func (o *Orchestrator) Decisions() *explain.Recorder { return o.recorder }

// Guardian returns the safety guardian.
func (o *Orchestrator) Guardian() *safety.Guardian { return o.guardian }

// Cancel requests cooperative cancellation. The loop observes the flag at
// the next iteration boundary; a queued task fails immediately.
func (o *Orchestrator) Cancel() { o.cancelled.Store(true) }

// ResetCancellation clears the cancellation flag. Required before a new
// task after Cancel.
func (o *Orchestrator) ResetCancellation() { o.cancelled.Store(false) }

// Compact compresses short-term memory immediately using the heuristic
// summarizer. Backs the /compact command.
func (o *Orchestrator) Compact(ctx context.Context) (*memory.CompressionResult, error) {
	return o.shortTerm.Compact(ctx)
}

// ProcessTask runs one task to completion. It is the single entry point;
// concurrent calls are not supported.
func (o *Orchestrator) ProcessTask(ctx context.Context, task string) (*TaskResult, error) {
	task = strings.TrimSpace(task)
	if o.provider == nil {
		return nil, ErrNoProvider
	}
	if o.cancelled.Load() {
		o.setStatus(StatusError)
		return nil, ErrCancelled
	}

	taskID := uuid.NewString()
	o.budget.ResetTask()
	o.healthLevel = ContextHealthOK
	o.consecutiveFailures = 0
	o.lastFailedTool = ""

	classification := o.classifier.Classify(ctx, task)
	o.defCache.Warm(classification)

	var route *moe.RouteResult
	if o.router != nil && task != "" {
		route = o.router.Route(task)
		o.recordRouting(route)
	}

	o.tracker.update(func(s *AgentState) {
		s.TaskID = taskID
		s.Iteration = 0
		s.CurrentGoal = task
		s.TaskClassification = classification
	})
	o.setStatus(StatusThinking)

	systemPrompt := o.assembleSystemPrompt(ctx, task, route)

	if o.config.Plan.Enabled && task != "" {
		return o.runPlanned(ctx, taskID, task, classification, systemPrompt)
	}

	o.shortTerm.Add(models.NewUserMessage(task))

	result, err := o.runLoop(ctx, taskID, classification, systemPrompt, route)
	if err != nil {
		o.setStatus(StatusError)
		return nil, err
	}
	o.setStatus(StatusComplete)
	return result, nil
}

// runLoop is the think/decide/act/observe loop shared by direct tasks and
// plan steps.
func (o *Orchestrator) runLoop(ctx context.Context, taskID string, classification models.TaskClassification, systemPrompt string, route *moe.RouteResult) (*TaskResult, error) {
	rates := o.provider.CostRates()
	finalText := ""
	iteration := 0

	for {
		if o.cancelled.Load() {
			return nil, ErrCancelled
		}
		if err := ctx.Err(); err != nil {
			return nil, ErrCancelled
		}
		iteration++
		if iteration > o.config.MaxIterations {
			return nil, &MaxIterationsError{Max: o.config.MaxIterations}
		}
		o.tracker.update(func(s *AgentState) { s.Iteration = iteration })
		o.callbacks.OnIterationStart(iteration, o.config.MaxIterations)

		req := o.buildRequest(systemPrompt, classification, route)
		estTokens := o.provider.EstimateTokens(req.Messages) + llm.EstimateToolTokens(req.Tools)

		o.checkContextHealth(estTokens)

		check := o.budget.PreCheck(estTokens, rates)
		if check.Level != budget.LevelOK {
			o.callbacks.OnBudgetWarning(check)
		}
		if check.Halt {
			return nil, &BudgetExceededError{Message: check.Message}
		}

		if o.consent != nil {
			scope := consent.ProviderScope(o.provider.ModelName())
			if err := o.consent.Check(ctx, scope); err != nil {
				return nil, fmt.Errorf("provider consent: %w", err)
			}
		}

		callCost := rates.Estimate(budget.TokenUsage{
			InputTokens:  int64(estTokens),
			OutputTokens: int64(o.budget.Config().AssumedCompletionTokens),
		}).Total()
		if callCost > CostPredictionThreshold {
			o.callbacks.OnCostPrediction(CostPrediction{
				EstimatedCost: callCost,
				Threshold:     CostPredictionThreshold,
			})
		}

		o.setStatus(StatusThinking)
		resp, err := o.client.Complete(ctx, req, func(ev llm.StreamEvent) {
			if ev.Type == llm.EventToken {
				o.callbacks.OnToken(ev.Text)
			}
		})
		if err != nil {
			return nil, err
		}

		o.budget.Record(resp.Usage, rates)
		o.callbacks.OnUsageUpdate(o.budget.TaskUsage(), o.budget.TaskCost().Total())

		msg := resp.Message
		o.shortTerm.Add(msg)
		o.setStatus(StatusDeciding)

		if len(msg.ToolResults()) > 0 {
			o.logger.Warn("assistant message carried a tool result; treating as terminal")
			finalText = msg.Text()
			break
		}

		text := msg.Text()
		calls := msg.ToolCalls()

		if len(calls) == 0 {
			if text == "" && msg.HasThinking() {
				continue
			}
			if text == "" {
				text = extendedContentSummary(msg)
			}
			finalText = text
			o.callbacks.OnAssistantMessage(finalText)
			break
		}

		// Text alongside a tool call is surfaced but not terminal.
		if text != "" {
			o.callbacks.OnAssistantMessage(text)
		}
		for _, call := range calls {
			if o.cancelled.Load() {
				return nil, ErrCancelled
			}
			o.handleToolCall(ctx, iteration, call, classification)
		}

		if res, cerr := o.shortTerm.CheckAndCompress(ctx); cerr != nil {
			o.logger.Warn("context compression failed", "error", cerr)
		} else if res != nil && res.MessagesCompressed > 0 {
			o.callbacks.OnProgress(fmt.Sprintf(
				"Compressed %d messages (%d pinned preserved)",
				res.MessagesCompressed, res.PinnedPreserved))
		}
	}

	return &TaskResult{
		TaskID:     taskID,
		Success:    true,
		Response:   finalText,
		Iterations: iteration,
		TotalUsage: o.budget.TaskUsage(),
		TotalCost:  o.budget.TaskCost().Total(),
	}, nil
}

// buildRequest assembles the provider request from the system prompt, the
// repaired transcript, and the routed tool definitions.
func (o *Orchestrator) buildRequest(systemPrompt string, classification models.TaskClassification, route *moe.RouteResult) *llm.CompletionRequest {
	transcript := repairTranscript(o.shortTerm.Messages())
	messages := make([]*models.Message, 0, len(transcript)+1)
	if systemPrompt != "" {
		messages = append(messages, models.NewSystemMessage(systemPrompt))
	}
	messages = append(messages, transcript...)

	defs := o.defCache.Definitions(classification)
	toolDefs := make([]llm.ToolDefinition, 0, len(defs))
	for _, def := range defs {
		td := llm.ToolDefinition{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		}
		if route != nil {
			if prec, ok := route.RoutedTools[def.Name]; ok && prec != moe.PrecisionFull {
				td.Deferred = true
			}
		}
		toolDefs = append(toolDefs, td)
	}

	return &llm.CompletionRequest{
		Messages:    messages,
		Tools:       toolDefs,
		Temperature: o.config.LLM.Temperature,
		MaxTokens:   o.config.LLM.MaxTokens,
	}
}

// assembleSystemPrompt layers distilled long-term rules, the persona, the
// MoE addendum, and hydrated repository context onto the base prompt.
func (o *Orchestrator) assembleSystemPrompt(ctx context.Context, task string, route *moe.RouteResult) string {
	var b strings.Builder
	b.WriteString(o.config.SystemPrompt)

	if o.config.Persona.Enabled && o.config.Persona.SystemPrompt != "" {
		b.WriteString("\n\n")
		b.WriteString(o.config.Persona.SystemPrompt)
	}

	if o.longTerm != nil {
		rules, err := o.longTerm.DistilledRules(ctx)
		if err != nil {
			o.logger.Warn("distilling long-term rules failed", "error", err)
		} else if rules != "" {
			b.WriteString("\n\n")
			b.WriteString(rules)
		}
	}

	if route != nil && route.SystemPromptAddendum != "" {
		b.WriteString("\n\n")
		b.WriteString(route.SystemPromptAddendum)
	}

	if o.hydrator != nil {
		if block := o.hydrator.Hydrate(ctx, task); block != "" {
			b.WriteString("\n\nRelevant context:\n")
			b.WriteString(block)
		}
	}
	return b.String()
}

// checkContextHealth grades window occupancy and announces transitions
// exactly once.
func (o *Orchestrator) checkContextHealth(estTokens int) {
	window := o.provider.ContextWindow()
	if window <= 0 {
		return
	}
	utilization := float64(estTokens) / float64(window)

	level := ContextHealthOK
	switch {
	case utilization >= contextCriticalThreshold:
		level = ContextHealthCritical
	case utilization >= contextWarningThreshold:
		level = ContextHealthWarning
	}
	if level != o.healthLevel {
		o.healthLevel = level
		if level != ContextHealthOK {
			o.callbacks.OnContextHealth(level, utilization)
		}
	}
}

func (o *Orchestrator) recordRouting(route *moe.RouteResult) {
	if route == nil || route.RoutingReasoning == "" {
		return
	}
	rec := &explain.Record{
		Action:     "route_experts",
		Reasoning:  route.RoutingReasoning,
		Outcome:    "routed",
		Confidence: route.Confidence,
		Type:       explain.DecisionRouting,
		Persona:    o.personaName(),
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("recording routing decision failed", "error", err)
	}
	o.callbacks.OnDecisionExplanation(*rec)
}

func (o *Orchestrator) personaName() string {
	if o.config.Persona.Enabled {
		return o.config.Persona.Name
	}
	return ""
}

func (o *Orchestrator) setStatus(to Status) {
	var from Status
	o.tracker.update(func(s *AgentState) {
		from = s.Status
		s.Status = to
	})
	if from != to {
		o.callbacks.OnStatusChange(from, to)
	}
}

// repairTranscript drops tool-result messages whose call id has no
// preceding tool call. Providers reject orphaned results, which can appear
// after aggressive compression.
func repairTranscript(messages []*models.Message) []*models.Message {
	seen := make(map[string]struct{})
	out := make([]*models.Message, 0, len(messages))
	for _, msg := range messages {
		for _, call := range msg.ToolCalls() {
			seen[call.ID] = struct{}{}
		}
		orphaned := false
		for _, res := range msg.ToolResults() {
			if _, ok := seen[res.ToolCallID]; !ok {
				orphaned = true
				break
			}
		}
		if orphaned {
			continue
		}
		out = append(out, msg)
	}
	return out
}

// extendedContentSummary renders a readable stand-in for assistant messages
// made only of provider content blocks with no textual form (citations,
// code execution results, images, search results).
func extendedContentSummary(msg *models.Message) string {
	counts := make(map[models.PartType]int)
	for _, part := range msg.Parts {
		switch part.Type {
		case models.PartCitation, models.PartCodeExecution, models.PartImage, models.PartSearchResult:
			counts[part.Type]++
		}
	}
	if len(counts) == 0 {
		return ""
	}
	labels := []struct {
		part  models.PartType
		label string
	}{
		{models.PartCitation, "citation block"},
		{models.PartCodeExecution, "code execution result"},
		{models.PartImage, "image"},
		{models.PartSearchResult, "search result"},
	}
	var pieces []string
	for _, l := range labels {
		if n := counts[l.part]; n > 0 {
			pieces = append(pieces, fmt.Sprintf("%d %s(s)", n, l.label))
		}
	}
	return "Received " + strings.Join(pieces, ", ")
}

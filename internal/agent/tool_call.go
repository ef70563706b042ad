package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/explain"
	"github.com/kestrelhq/kestrel/internal/memory"
	"github.com/kestrelhq/kestrel/internal/safety"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// Base confidence by risk level for tool-selection explanations.
var riskConfidence = map[tools.RiskLevel]float64{
	tools.RiskReadOnly:    0.90,
	tools.RiskWrite:       0.75,
	tools.RiskExecute:     0.65,
	tools.RiskNetwork:     0.70,
	tools.RiskDestructive: 0.45,
}

// factMinLength and factMaxLength bound which tool payloads are persisted
// as long-term facts.
const (
	factMinLength = 10
	factMaxLength = 5000
)

// consecutiveFailureHint is the failure count at which the loop surfaces a
// circuit-breaker hint. The count never aborts by itself.
const consecutiveFailureHint = 3

// handleToolCall runs one tool call end to end: explain, auto-correct,
// execute, observe, verify.
func (o *Orchestrator) handleToolCall(ctx context.Context, iteration int, call *models.ToolCall, classification models.TaskClassification) {
	call = o.autoCorrect(call, classification)

	risk := tools.RiskReadOnly
	if tool, ok := o.registry.Get(call.Name); ok {
		risk = tool.RiskLevel()
	}
	o.explainSelection(iteration, call, risk)

	result := o.executeTool(ctx, iteration, call, risk)

	o.shortTerm.Add(models.NewToolResultMessage(result))
	o.callbacks.OnToolResult(call.Name, result.Content, result.IsError)
	o.budget.ChargeTool(call.Name, int64(len(result.Content)/4))

	if result.IsError {
		if call.Name == o.lastFailedTool {
			o.consecutiveFailures++
		} else {
			o.lastFailedTool = call.Name
			o.consecutiveFailures = 1
		}
		if o.consecutiveFailures >= consecutiveFailureHint {
			o.callbacks.OnProgress(fmt.Sprintf(
				"Tool %s has failed %d times in a row", call.Name, o.consecutiveFailures))
		}
	} else {
		o.consecutiveFailures = 0
		o.lastFailedTool = ""
		o.toolUses[call.Name]++
		o.persistFact(ctx, call.Name, result.Content)
	}

	o.verifyMutation(ctx, call, result)
}

// explainSelection records a tool-selection explanation whose confidence
// reflects risk, prior use, and iteration pressure.
func (o *Orchestrator) explainSelection(iteration int, call *models.ToolCall, risk tools.RiskLevel) {
	confidence := o.confidenceFor(call.Name, risk, iteration)

	rec := &explain.Record{
		Iteration:  iteration,
		Action:     call.Name,
		Reasoning:  fmt.Sprintf("model selected %s (%s risk)", call.Name, risk),
		RiskLevel:  risk.String(),
		Outcome:    "selected",
		Confidence: confidence,
		Type:       explain.DecisionToolSelection,
		Persona:    o.personaName(),
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("recording tool selection failed", "error", err)
	}
	o.callbacks.OnDecisionExplanation(*rec)
}

func (o *Orchestrator) confidenceFor(name string, risk tools.RiskLevel, iteration int) float64 {
	confidence, ok := riskConfidence[risk]
	if !ok {
		confidence = 0.5
	}
	if o.toolUses[name] > 0 {
		confidence += 0.05
	} else {
		confidence -= 0.05
	}
	if iteration > 10 {
		confidence -= 0.10
	}
	if limit := o.config.MaxIterations; limit > 0 && iteration > limit*8/10 {
		confidence -= 0.05
	}
	if o.config.Persona.Enabled {
		confidence += o.config.Persona.ConfidenceModifier
	}
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return confidence
}

// autoCorrect rewrites tool calls that contradict the task classification
// in known ways.
func (o *Orchestrator) autoCorrect(call *models.ToolCall, classification models.TaskClassification) *models.ToolCall {
	if classification.Kind != models.ClassificationWebSearch || call.Name != "shell_exec" {
		return call
	}
	if _, ok := o.registry.Get("web_search"); !ok {
		return call
	}

	var args struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(call.Input, &args)
	query := strings.TrimSpace(args.Command)
	if query == "" {
		return call
	}

	rewritten, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return call
	}
	o.callbacks.OnProgress(fmt.Sprintf(
		"Rewrote shell_exec to web_search for query %q", query))
	rec := &explain.Record{
		Action:     "web_search",
		Reasoning:  "task is a web search; rewrote a misrouted shell_exec call",
		Outcome:    "rewritten",
		Confidence: 0.6,
		Type:       explain.DecisionErrorRecovery,
		Persona:    o.personaName(),
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("recording auto-correction failed", "error", err)
	}
	o.callbacks.OnDecisionExplanation(*rec)

	return &models.ToolCall{ID: call.ID, Name: "web_search", Input: rewritten}
}

// executeTool runs the safety pipeline and the executor for one call. The
// returned result is always non-nil; failures carry IsError.
func (o *Orchestrator) executeTool(ctx context.Context, iteration int, call *models.ToolCall, risk tools.RiskLevel) *models.ToolResult {
	if call.Name == tools.AskUserToolName {
		return o.askUser(call)
	}

	action := &safety.Action{
		ToolName:  call.Name,
		RiskLevel: risk,
		Arguments: call.Input,
		Details:   safety.ParseDetails(call.Name, call.Input),
	}

	decision := o.guardian.Check(action)
	switch decision.Verdict {
	case safety.VerdictDenied:
		return o.denied(ctx, iteration, call, risk, decision.Reason)
	case safety.VerdictRequiresApproval:
		if result := o.requestApproval(ctx, iteration, call, risk, decision.Context); result != nil {
			return result
		}
	}

	o.setStatus(StatusExecuting)
	o.callbacks.OnToolStart(call.Name, call.Input)

	start := time.Now()
	out, err := o.registry.Execute(ctx, call.Name, call.Input)
	elapsed := time.Since(start)

	if err != nil {
		if o.audit != nil {
			o.audit.LogToolExecution(call.Name, false, elapsed, err.Error())
		}
		return &models.ToolResult{
			ToolCallID: call.ID,
			Content:    "Tool error: " + err.Error(),
			IsError:    true,
		}
	}
	if o.audit != nil {
		o.audit.LogToolExecution(call.Name, !out.IsError, elapsed, "")
	}
	return &models.ToolResult{
		ToolCallID: call.ID,
		Content:    out.Content,
		IsError:    out.IsError,
	}
}

// askUser intercepts the ask_user pseudo-tool. It bypasses safety and
// blocks on the clarification callback.
func (o *Orchestrator) askUser(call *models.ToolCall) *models.ToolResult {
	var args struct {
		Question string `json:"question"`
	}
	_ = json.Unmarshal(call.Input, &args)
	question := strings.TrimSpace(args.Question)
	if question == "" {
		question = "The assistant needs your input to continue."
	}

	o.setStatus(StatusWaitingForClarification)
	answer := o.callbacks.OnClarificationRequest(question)
	o.setStatus(StatusThinking)

	if strings.TrimSpace(answer) == "" {
		answer = "(the user did not answer)"
	}
	return &models.ToolResult{ToolCallID: call.ID, Content: answer}
}

// denied produces the PermissionDenied tool result for a guardian denial,
// with the required ErrorRecovery explanation.
func (o *Orchestrator) denied(ctx context.Context, iteration int, call *models.ToolCall, risk tools.RiskLevel, reason string) *models.ToolResult {
	rec := &explain.Record{
		Iteration:  iteration,
		Action:     call.Name,
		Reasoning:  reason,
		RiskLevel:  risk.String(),
		Outcome:    "denied",
		Confidence: 1,
		Type:       explain.DecisionErrorRecovery,
		Persona:    o.personaName(),
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("recording denial failed", "error", err)
	}
	o.callbacks.OnDecisionExplanation(*rec)

	if o.audit != nil {
		if strings.HasPrefix(reason, "Contract violation") {
			o.audit.LogContractViolation(call.Name, reason)
		} else {
			o.audit.LogApproval(call.Name, safety.VerdictDenied, "", reason)
		}
	}
	return &models.ToolResult{
		ToolCallID: call.ID,
		Content:    "Permission denied: " + reason,
		IsError:    true,
	}
}

// requestApproval blocks on the approval callback. It returns nil when the
// call may proceed, or a denial result.
func (o *Orchestrator) requestApproval(ctx context.Context, iteration int, call *models.ToolCall, risk tools.RiskLevel, approvalCtx *safety.ApprovalContext) *models.ToolResult {
	o.setStatus(StatusWaitingForApproval)
	reply := o.callbacks.OnApprovalRequested(*approvalCtx)
	o.setStatus(StatusThinking)

	if o.audit != nil {
		o.audit.LogApproval(call.Name, safety.VerdictRequiresApproval, reply, "")
	}

	switch reply {
	case safety.ReplyApprove:
		return nil
	case safety.ReplyApproveAllSimilar:
		o.guardian.AllowForSession(call.Name)
		return nil
	default:
		o.recordUserDenial(ctx, iteration, call, risk)
		return &models.ToolResult{
			ToolCallID: call.ID,
			Content:    "Permission denied: the user denied this action",
			IsError:    true,
		}
	}
}

// recordUserDenial explains the denial and persists a Correction so future
// sessions avoid re-proposing the action.
func (o *Orchestrator) recordUserDenial(ctx context.Context, iteration int, call *models.ToolCall, risk tools.RiskLevel) {
	goal := o.tracker.snapshot().CurrentGoal

	rec := &explain.Record{
		Iteration:  iteration,
		Action:     call.Name,
		Reasoning:  "the user denied the approval request",
		RiskLevel:  risk.String(),
		Outcome:    "user_denied",
		Confidence: 1,
		Type:       explain.DecisionUserDenial,
		Persona:    o.personaName(),
	}
	if err := o.recorder.Record(rec); err != nil {
		o.logger.Warn("recording user denial failed", "error", err)
	}
	o.callbacks.OnDecisionExplanation(*rec)

	if o.longTerm == nil {
		return
	}
	correction := &memory.Correction{
		ID:               uuid.NewString(),
		OriginalProposal: fmt.Sprintf("%s(%s)", call.Name, string(call.Input)),
		UserObjection:    "User denied this action",
		Context:          fmt.Sprintf("denied while working on: %s", goal),
	}
	if err := o.longTerm.AddCorrection(ctx, correction); err != nil {
		o.logger.Warn("persisting correction failed", "error", err)
	}
}

// persistFact stores a useful tool payload as a long-term fact after
// redaction.
func (o *Orchestrator) persistFact(ctx context.Context, toolName, payload string) {
	if o.longTerm == nil {
		return
	}
	redacted := o.redactor.Apply(payload)
	if len(redacted) < factMinLength || len(redacted) > factMaxLength {
		return
	}
	fact := &memory.Fact{
		ID:      uuid.NewString(),
		Content: redacted,
		Source:  toolName,
		Tags:    []string{"tool_result", toolName},
	}
	if err := o.longTerm.AddFact(ctx, fact); err != nil {
		o.logger.Warn("persisting fact failed", "error", err)
	}
}

// verifyMutation runs the verifier after file mutations and feeds failures
// back into the conversation.
func (o *Orchestrator) verifyMutation(ctx context.Context, call *models.ToolCall, result *models.ToolResult) {
	if o.verifier == nil || !o.config.Verification.RunOnFileWrite || result.IsError {
		return
	}
	if !isFileMutation(call.Name) {
		return
	}
	feedback, ok := o.verifier(ctx, call.Name, call.Input)
	if ok || feedback == "" {
		return
	}
	o.shortTerm.Add(models.NewUserMessage("Verification failed after " + call.Name + ": " + feedback))
	o.callbacks.OnProgress("Verification failed: " + feedback)
}

func isFileMutation(name string) bool {
	switch name {
	case "write_file", "append_file", "edit_file", "apply_patch":
		return true
	}
	return false
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kestrelhq/kestrel/internal/llm"
	"github.com/kestrelhq/kestrel/internal/tools"
	"github.com/kestrelhq/kestrel/pkg/models"
)

// PlanStepStatus tracks a step through execution.
type PlanStepStatus string

const (
	StepPending  PlanStepStatus = "pending"
	StepRunning  PlanStepStatus = "running"
	StepComplete PlanStepStatus = "complete"
	StepFailed   PlanStepStatus = "failed"
)

// PlanStep is one reviewed unit of work. Tool and Args are optional; a
// step without a tool runs as a think round.
type PlanStep struct {
	Index       int             `json:"index"`
	Description string          `json:"description"`
	Tool        string          `json:"tool,omitempty"`
	Args        json.RawMessage `json:"args,omitempty"`
	Status      PlanStepStatus  `json:"status"`
	Output      string          `json:"output,omitempty"`
}

// Plan is an ordered list of steps awaiting review and execution.
type Plan struct {
	TaskID string     `json:"task_id"`
	Goal   string     `json:"goal"`
	Steps  []PlanStep `json:"steps"`
}

// PlanAction is the reviewer's choice for a proposed plan.
type PlanAction string

const (
	PlanApprove      PlanAction = "approve"
	PlanReject       PlanAction = "reject"
	PlanEditStep     PlanAction = "edit_step"
	PlanRemoveStep   PlanAction = "remove_step"
	PlanAddStep      PlanAction = "add_step"
	PlanReorderSteps PlanAction = "reorder_steps"
	PlanAskQuestion  PlanAction = "ask_question"
)

// PlanDecision is the reviewer's answer to on_plan_review. Index, Text,
// Order, and Question are interpreted per action.
type PlanDecision struct {
	Action   PlanAction
	Index    int
	Text     string
	Order    []int
	Question string
}

const planSystemPrompt = `You are a planning assistant. Break the user's task into a short ordered list of concrete steps. Respond with JSON only, in the form {"steps":[{"description":"...","tool":"optional_tool_name","args":{}}]}. Use a tool name only when one of the listed tools directly performs the step.`

// runPlanned is the three-phase plan pipeline: generate, review, execute.
func (o *Orchestrator) runPlanned(ctx context.Context, taskID, task string, classification models.TaskClassification, systemPrompt string) (*TaskResult, error) {
	o.setStatus(StatusPlanning)
	o.callbacks.OnPlanGenerating()

	plan, err := o.generatePlan(ctx, taskID, task, classification)
	if err != nil {
		o.setStatus(StatusError)
		return nil, err
	}

	approved, err := o.reviewPlan(ctx, plan)
	if err != nil {
		o.setStatus(StatusError)
		return nil, err
	}
	if !approved {
		o.setStatus(StatusComplete)
		return &TaskResult{
			TaskID:   taskID,
			Success:  false,
			Response: "Plan rejected by user",
		}, nil
	}

	o.shortTerm.Add(models.NewUserMessage(task))
	result, err := o.executePlan(ctx, taskID, plan, classification, systemPrompt)
	if err != nil {
		o.setStatus(StatusError)
		return nil, err
	}
	o.setStatus(StatusComplete)
	return result, nil
}

// generatePlan issues a single completion against the plan prompt and
// parses the step list.
func (o *Orchestrator) generatePlan(ctx context.Context, taskID, task string, classification models.TaskClassification) (*Plan, error) {
	defs := o.defCache.Definitions(classification)
	catalogue := make([]string, 0, len(defs))
	for _, def := range defs {
		catalogue = append(catalogue, def.Name)
	}

	req := &llm.CompletionRequest{
		Messages: []*models.Message{
			models.NewSystemMessage(planSystemPrompt + "\nAvailable tools: " + strings.Join(catalogue, ", ")),
			models.NewUserMessage(task),
		},
		Temperature: o.config.LLM.Temperature,
		MaxTokens:   o.config.LLM.MaxTokens,
	}
	resp, err := o.client.Complete(ctx, req, nil)
	if err != nil {
		return nil, fmt.Errorf("plan generation: %w", err)
	}
	o.budget.Record(resp.Usage, o.provider.CostRates())

	plan := parsePlan(resp.Message.Text())
	plan.TaskID = taskID
	plan.Goal = task
	if len(plan.Steps) > o.config.Plan.MaxSteps {
		plan.Steps = plan.Steps[:o.config.Plan.MaxSteps]
	}
	reindex(plan)
	return plan, nil
}

// parsePlan extracts the JSON step list from the model response, falling
// back to one step per non-empty line.
func parsePlan(text string) *Plan {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var parsed struct {
			Steps []struct {
				Description string          `json:"description"`
				Tool        string          `json:"tool"`
				Args        json.RawMessage `json:"args"`
			} `json:"steps"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil && len(parsed.Steps) > 0 {
			plan := &Plan{}
			for _, s := range parsed.Steps {
				if strings.TrimSpace(s.Description) == "" {
					continue
				}
				plan.Steps = append(plan.Steps, PlanStep{
					Description: s.Description,
					Tool:        s.Tool,
					Args:        s.Args,
					Status:      StepPending,
				})
			}
			if len(plan.Steps) > 0 {
				return plan
			}
		}
	}

	plan := &Plan{}
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "0123456789.-) ")
		if line == "" {
			continue
		}
		plan.Steps = append(plan.Steps, PlanStep{Description: line, Status: StepPending})
	}
	return plan
}

// reviewPlan loops on on_plan_review until the reviewer approves or
// rejects. Edits re-index the steps.
func (o *Orchestrator) reviewPlan(ctx context.Context, plan *Plan) (bool, error) {
	for {
		if o.cancelled.Load() {
			return false, ErrCancelled
		}
		decision := o.callbacks.OnPlanReview(plan)
		switch decision.Action {
		case PlanApprove:
			return true, nil
		case PlanReject:
			return false, nil
		case PlanEditStep:
			if decision.Index >= 0 && decision.Index < len(plan.Steps) {
				plan.Steps[decision.Index].Description = decision.Text
				plan.Steps[decision.Index].Tool = ""
				plan.Steps[decision.Index].Args = nil
			}
		case PlanRemoveStep:
			if decision.Index >= 0 && decision.Index < len(plan.Steps) {
				plan.Steps = append(plan.Steps[:decision.Index], plan.Steps[decision.Index+1:]...)
			}
		case PlanAddStep:
			step := PlanStep{Description: decision.Text, Status: StepPending}
			i := decision.Index
			if i < 0 || i > len(plan.Steps) {
				i = len(plan.Steps)
			}
			plan.Steps = append(plan.Steps[:i], append([]PlanStep{step}, plan.Steps[i:]...)...)
		case PlanReorderSteps:
			if reordered := applyOrder(plan.Steps, decision.Order); reordered != nil {
				plan.Steps = reordered
			}
		case PlanAskQuestion:
			o.answerPlanQuestion(ctx, plan, decision.Question)
		default:
			return false, nil
		}
		reindex(plan)
	}
}

// answerPlanQuestion issues a one-shot query about the plan. The answer is
// displayed and the plan is left untouched.
func (o *Orchestrator) answerPlanQuestion(ctx context.Context, plan *Plan, question string) {
	if strings.TrimSpace(question) == "" {
		return
	}
	planJSON, _ := json.Marshal(plan.Steps)
	req := &llm.CompletionRequest{
		Messages: []*models.Message{
			models.NewSystemMessage("Answer the user's question about this execution plan: " + string(planJSON)),
			models.NewUserMessage(question),
		},
		MaxTokens: o.config.LLM.MaxTokens,
	}
	resp, err := o.client.Complete(ctx, req, nil)
	if err != nil {
		o.callbacks.OnProgress("Could not answer plan question: " + err.Error())
		return
	}
	o.budget.Record(resp.Usage, o.provider.CostRates())
	o.callbacks.OnProgress(resp.Message.Text())
}

// executePlan runs approved steps in order. Tool steps go straight through
// the safety pipeline; free-form steps run one think round each. The first
// failure stops the plan.
func (o *Orchestrator) executePlan(ctx context.Context, taskID string, plan *Plan, classification models.TaskClassification, systemPrompt string) (*TaskResult, error) {
	lastOutput := ""
	for i := range plan.Steps {
		if o.cancelled.Load() {
			return nil, ErrCancelled
		}
		step := &plan.Steps[i]
		step.Status = StepRunning
		o.callbacks.OnPlanStepStart(*step)

		var failed bool
		if step.Tool != "" {
			failed = o.runToolStep(ctx, i+1, step)
		} else {
			output, err := o.runThinkStep(ctx, step, classification, systemPrompt)
			if err != nil {
				step.Status = StepFailed
				step.Output = err.Error()
				o.callbacks.OnPlanStepComplete(*step, false)
				return nil, err
			}
			step.Output = output
		}

		if failed {
			step.Status = StepFailed
			o.callbacks.OnPlanStepComplete(*step, false)
			return &TaskResult{
				TaskID:     taskID,
				Success:    false,
				Response:   fmt.Sprintf("Plan stopped at step %d: %s", step.Index+1, step.Output),
				Iterations: i + 1,
				TotalUsage: o.budget.TaskUsage(),
				TotalCost:  o.budget.TaskCost().Total(),
			}, nil
		}
		step.Status = StepComplete
		lastOutput = step.Output
		o.callbacks.OnPlanStepComplete(*step, true)
	}

	return &TaskResult{
		TaskID:     taskID,
		Success:    true,
		Response:   lastOutput,
		Iterations: len(plan.Steps),
		TotalUsage: o.budget.TaskUsage(),
		TotalCost:  o.budget.TaskCost().Total(),
	}, nil
}

// runToolStep executes a tool-bearing step through the safety pipeline and
// records the paired call/result in memory. Returns true on failure.
func (o *Orchestrator) runToolStep(ctx context.Context, iteration int, step *PlanStep) bool {
	risk := tools.RiskReadOnly
	if tool, ok := o.registry.Get(step.Tool); ok {
		risk = tool.RiskLevel()
	}
	call := &models.ToolCall{
		ID:    uuid.NewString(),
		Name:  step.Tool,
		Input: step.Args,
	}
	o.shortTerm.Add(models.NewToolCallMessage(call))

	result := o.executeTool(ctx, iteration, call, risk)
	o.shortTerm.Add(models.NewToolResultMessage(result))
	o.callbacks.OnToolResult(call.Name, result.Content, result.IsError)
	o.budget.ChargeTool(call.Name, int64(len(result.Content)/4))

	step.Output = result.Content
	return result.IsError
}

// runThinkStep appends the step description and runs a single completion,
// executing any tool calls the model makes.
func (o *Orchestrator) runThinkStep(ctx context.Context, step *PlanStep, classification models.TaskClassification, systemPrompt string) (string, error) {
	o.shortTerm.Add(models.NewUserMessage("Current plan step: " + step.Description))

	req := o.buildRequest(systemPrompt, classification, nil)
	o.setStatus(StatusThinking)
	resp, err := o.client.Complete(ctx, req, func(ev llm.StreamEvent) {
		if ev.Type == llm.EventToken {
			o.callbacks.OnToken(ev.Text)
		}
	})
	if err != nil {
		return "", err
	}
	o.budget.Record(resp.Usage, o.provider.CostRates())
	o.shortTerm.Add(resp.Message)

	for _, call := range resp.Message.ToolCalls() {
		o.handleToolCall(ctx, step.Index+1, call, classification)
	}
	text := resp.Message.Text()
	if text != "" {
		o.callbacks.OnAssistantMessage(text)
	}
	return text, nil
}

func reindex(plan *Plan) {
	for i := range plan.Steps {
		plan.Steps[i].Index = i
	}
}

// applyOrder returns steps permuted by order, or nil when order is not a
// permutation of the indices.
func applyOrder(steps []PlanStep, order []int) []PlanStep {
	if len(order) != len(steps) {
		return nil
	}
	seen := make(map[int]bool, len(order))
	out := make([]PlanStep, 0, len(steps))
	for _, idx := range order {
		if idx < 0 || idx >= len(steps) || seen[idx] {
			return nil
		}
		seen[idx] = true
		out = append(out, steps[idx])
	}
	return out
}

package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// EchoTool repeats its input. Read-only; used for wiring checks and tests.
type EchoTool struct{}

type echoArgs struct {
	Text string `json:"text" jsonschema:"description=Text to echo back"`
}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Echo the provided text back verbatim." }
func (t *EchoTool) Schema() json.RawMessage {
	return ReflectSchema(&echoArgs{})
}
func (t *EchoTool) RiskLevel() RiskLevel   { return RiskReadOnly }
func (t *EchoTool) Timeout() time.Duration { return 5 * time.Second }

func (t *EchoTool) Execute(_ context.Context, args json.RawMessage) (*Output, error) {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewInvalidArgumentsError(t.Name(), err.Error())
	}
	return &Output{Content: "Echo: " + in.Text}, nil
}

// DateTimeTool reports the current date and time.
type DateTimeTool struct {
	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

type dateTimeArgs struct {
	Format string `json:"format,omitempty" jsonschema:"description=Optional Go reference layout; RFC3339 when empty"`
}

func (t *DateTimeTool) Name() string        { return "datetime" }
func (t *DateTimeTool) Description() string { return "Get the current local date and time." }
func (t *DateTimeTool) Schema() json.RawMessage {
	return ReflectSchema(&dateTimeArgs{})
}
func (t *DateTimeTool) RiskLevel() RiskLevel   { return RiskReadOnly }
func (t *DateTimeTool) Timeout() time.Duration { return 5 * time.Second }

func (t *DateTimeTool) Execute(_ context.Context, args json.RawMessage) (*Output, error) {
	var in dateTimeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, NewInvalidArgumentsError(t.Name(), err.Error())
		}
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	layout := in.Format
	if layout == "" {
		layout = time.RFC3339
	}
	return &Output{Content: now().Format(layout)}, nil
}

// CalculatorTool evaluates basic arithmetic expressions: + - * / with
// parentheses and decimal numbers.
type CalculatorTool struct{}

type calculatorArgs struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression to evaluate"`
}

func (t *CalculatorTool) Name() string { return "calculator" }
func (t *CalculatorTool) Description() string {
	return "Evaluate an arithmetic expression (+, -, *, /, parentheses)."
}
func (t *CalculatorTool) Schema() json.RawMessage {
	return ReflectSchema(&calculatorArgs{})
}
func (t *CalculatorTool) RiskLevel() RiskLevel   { return RiskReadOnly }
func (t *CalculatorTool) Timeout() time.Duration { return 5 * time.Second }

func (t *CalculatorTool) Execute(_ context.Context, args json.RawMessage) (*Output, error) {
	var in calculatorArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, NewInvalidArgumentsError(t.Name(), err.Error())
	}
	p := &exprParser{input: in.Expression}
	val, err := p.parseExpr()
	if err != nil {
		return nil, NewInvalidArgumentsError(t.Name(), err.Error())
	}
	p.skipSpace()
	if p.pos < len(p.input) {
		return nil, NewInvalidArgumentsError(t.Name(), fmt.Sprintf("unexpected character %q at position %d", p.input[p.pos], p.pos))
	}
	return &Output{Content: strconv.FormatFloat(val, 'g', -1, 64)}, nil
}

// exprParser is a recursive-descent parser for arithmetic expressions.
type exprParser struct {
	input string
	pos   int
}

func (p *exprParser) skipSpace() {
	for p.pos < len(p.input) && (p.input[p.pos] == ' ' || p.input[p.pos] == '\t') {
		p.pos++
	}
}

func (p *exprParser) parseExpr() (float64, error) {
	left, err := p.parseTerm()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '+' && op != '-' {
			return left, nil
		}
		p.pos++
		right, err := p.parseTerm()
		if err != nil {
			return 0, err
		}
		if op == '+' {
			left += right
		} else {
			left -= right
		}
	}
}

func (p *exprParser) parseTerm() (float64, error) {
	left, err := p.parseFactor()
	if err != nil {
		return 0, err
	}
	for {
		p.skipSpace()
		if p.pos >= len(p.input) {
			return left, nil
		}
		op := p.input[p.pos]
		if op != '*' && op != '/' {
			return left, nil
		}
		p.pos++
		right, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		if op == '*' {
			left *= right
		} else {
			if right == 0 {
				return 0, fmt.Errorf("division by zero")
			}
			left /= right
		}
	}
}

func (p *exprParser) parseFactor() (float64, error) {
	p.skipSpace()
	if p.pos >= len(p.input) {
		return 0, fmt.Errorf("unexpected end of expression")
	}
	if p.input[p.pos] == '(' {
		p.pos++
		val, err := p.parseExpr()
		if err != nil {
			return 0, err
		}
		p.skipSpace()
		if p.pos >= len(p.input) || p.input[p.pos] != ')' {
			return 0, fmt.Errorf("missing closing parenthesis")
		}
		p.pos++
		return val, nil
	}
	if p.input[p.pos] == '-' {
		p.pos++
		val, err := p.parseFactor()
		if err != nil {
			return 0, err
		}
		return -val, nil
	}
	start := p.pos
	for p.pos < len(p.input) && (p.input[p.pos] >= '0' && p.input[p.pos] <= '9' || p.input[p.pos] == '.') {
		p.pos++
	}
	if start == p.pos {
		return 0, fmt.Errorf("expected number at position %d", start)
	}
	val, err := strconv.ParseFloat(strings.TrimSpace(p.input[start:p.pos]), 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q", p.input[start:p.pos])
	}
	return val, nil
}

// RegisterBuiltins adds the built-in low-risk tools to the registry.
func RegisterBuiltins(registry *Registry) {
	registry.Register(&EchoTool{})
	registry.Register(&DateTimeTool{})
	registry.Register(&CalculatorTool{})
}

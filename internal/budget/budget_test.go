package budget

import "testing"

func TestTokenUsage_Add(t *testing.T) {
	a := TokenUsage{InputTokens: 100, OutputTokens: 50}
	b := TokenUsage{InputTokens: 25, OutputTokens: 10}
	sum := a.Add(b)
	if sum.InputTokens != 125 || sum.OutputTokens != 60 {
		t.Errorf("unexpected sum: %+v", sum)
	}
	if sum.Total() != 185 {
		t.Errorf("unexpected total: %d", sum.Total())
	}
}

func TestRates_Estimate(t *testing.T) {
	rates := Rates{InputPerToken: 0.000003, OutputPerToken: 0.000015}
	cost := rates.Estimate(TokenUsage{InputTokens: 1000, OutputTokens: 1000})
	if diff := cost.InputCost - 0.003; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("unexpected input cost: %f", cost.InputCost)
	}
	if diff := cost.OutputCost - 0.015; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("unexpected output cost: %f", cost.OutputCost)
	}
}

func TestManager_RecordAccumulates(t *testing.T) {
	m := NewManager(DefaultConfig())
	rates := Rates{InputPerToken: 0.001, OutputPerToken: 0.002}

	m.Record(TokenUsage{InputTokens: 10, OutputTokens: 5}, rates)
	m.Record(TokenUsage{InputTokens: 20, OutputTokens: 10}, rates)

	task := m.TaskUsage()
	if task.InputTokens != 30 || task.OutputTokens != 15 {
		t.Errorf("unexpected task usage: %+v", task)
	}

	// Cost equals usage component-wise times rates.
	cost := m.TaskCost()
	wantInput := 30 * 0.001
	wantOutput := 15 * 0.002
	if cost.InputCost != wantInput || cost.OutputCost != wantOutput {
		t.Errorf("unexpected cost: %+v", cost)
	}
}

func TestManager_ResetTaskPreservesSession(t *testing.T) {
	m := NewManager(DefaultConfig())
	rates := Rates{InputPerToken: 0.001, OutputPerToken: 0.001}
	m.Record(TokenUsage{InputTokens: 100, OutputTokens: 100}, rates)
	m.ChargeTool("echo", 40)

	m.ResetTask()

	if m.TaskUsage().Total() != 0 {
		t.Error("expected task usage to reset")
	}
	if m.ToolTokens("echo") != 0 {
		t.Error("expected per-tool meter to reset")
	}
	if m.SessionUsage().Total() != 200 {
		t.Error("expected session usage to be preserved")
	}
}

func TestManager_PreCheck(t *testing.T) {
	rates := Rates{InputPerToken: 0.001, OutputPerToken: 0.001}

	tests := []struct {
		name      string
		config    Config
		input     int
		wantLevel Level
		wantHalt  bool
	}{
		{
			name:      "under thresholds",
			config:    Config{SoftLimit: 10, HardLimit: 20, HaltOnExceed: true, AssumedCompletionTokens: 500},
			input:     100,
			wantLevel: LevelOK,
		},
		{
			name:      "soft limit crossed",
			config:    Config{SoftLimit: 0.5, HardLimit: 20, HaltOnExceed: true, AssumedCompletionTokens: 500},
			input:     100,
			wantLevel: LevelWarning,
		},
		{
			name:      "hard limit crossed with halt",
			config:    Config{SoftLimit: 0.1, HardLimit: 0.5, HaltOnExceed: true, AssumedCompletionTokens: 500},
			input:     100,
			wantLevel: LevelExceeded,
			wantHalt:  true,
		},
		{
			name:      "hard limit crossed without halt",
			config:    Config{SoftLimit: 0.1, HardLimit: 0.5, HaltOnExceed: false, AssumedCompletionTokens: 500},
			input:     100,
			wantLevel: LevelExceeded,
			wantHalt:  false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(tt.config)
			res := m.PreCheck(tt.input, rates)
			if res.Level != tt.wantLevel {
				t.Errorf("level = %v, want %v", res.Level, tt.wantLevel)
			}
			if res.Halt != tt.wantHalt {
				t.Errorf("halt = %v, want %v", res.Halt, tt.wantHalt)
			}
		})
	}
}

func TestManager_PreCheckCountsRunningSpend(t *testing.T) {
	m := NewManager(Config{SoftLimit: 1.0, HardLimit: 2.0, HaltOnExceed: true, AssumedCompletionTokens: 100})
	rates := Rates{InputPerToken: 0.001, OutputPerToken: 0.001}

	// $0.9 already spent; a 200-token call (incl. assumed completion) adds
	// $0.3, crossing the soft limit.
	m.Record(TokenUsage{InputTokens: 450, OutputTokens: 450}, rates)
	res := m.PreCheck(200, rates)
	if res.Level != LevelWarning {
		t.Errorf("expected warning, got %v", res.Level)
	}
}

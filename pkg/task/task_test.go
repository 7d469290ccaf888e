package task

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMissing(t *testing.T) {
	tests := []struct {
		name string
		task *Task
		want []string
	}{
		{name: "nil", task: nil, want: []string{"objective", "action_type"}},
		{name: "complete", task: &Task{Objective: "x", ActionType: "send_email"}, want: nil},
		{name: "blank objective", task: &Task{Objective: "  ", ActionType: "send_email"}, want: []string{"objective"}},
		{name: "no action", task: &Task{Objective: "x"}, want: []string{"action_type"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.task.Missing())
		})
	}
}

func TestNormalizedDoesNotMutate(t *testing.T) {
	orig := &Task{ActionType: " Send_Email ", ImpactLevel: "HIGH"}
	n := orig.Normalized()
	assert.Equal(t, "send_email", n.ActionType)
	assert.Equal(t, "high", n.ImpactLevel)
	assert.Equal(t, " Send_Email ", orig.ActionType)
}

func TestLoadFileFormats(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/inbox/report.yaml", []byte(`
objective: generate report
action_type: send_email
impact_level: high
recipients: [a@example.com]
amount: 12
steps:
  - id: s1
    name: Collect
    actions: [collect]
    is_critical: false
    max_attempts: 2
`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/inbox/task.json", []byte(`{"id":"T-1","objective":"sync","action_type":"process_data"}`), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/inbox/note.md", []byte("---\nobjective: reply\naction_type: send_email\n---\n\nHello there\n"), 0o644))

	t.Run("yaml", func(t *testing.T) {
		tk, err := LoadFile(fs, "/inbox/report.yaml")
		require.NoError(t, err)
		assert.Equal(t, "report", tk.ID)
		assert.Equal(t, "high", tk.ImpactLevel)
		assert.Equal(t, 12.0, tk.Amount)
		require.Len(t, tk.Steps, 1)
		require.NotNil(t, tk.Steps[0].IsCritical)
		assert.False(t, *tk.Steps[0].IsCritical)
		assert.Equal(t, 2, tk.Steps[0].MaxAttempts)
		assert.Equal(t, "/inbox/report.yaml", tk.Source)
	})

	t.Run("json keeps explicit id", func(t *testing.T) {
		tk, err := LoadFile(fs, "/inbox/task.json")
		require.NoError(t, err)
		assert.Equal(t, "T-1", tk.ID)
	})

	t.Run("markdown body becomes content", func(t *testing.T) {
		tk, err := LoadFile(fs, "/inbox/note.md")
		require.NoError(t, err)
		assert.Equal(t, "Hello there", tk.Content)
	})
}

func TestParseRejectsBadShapes(t *testing.T) {
	tests := []struct {
		name string
		ext  string
		data string
	}{
		{name: "steps not a list", ext: ".yaml", data: "objective: x\nsteps: nope\n"},
		{name: "amount string", ext: ".json", data: `{"amount":"lots"}`},
		{name: "critical not bool", ext: ".yaml", data: "steps:\n  - id: a\n    is_critical: maybe\n"},
		{name: "not json", ext: ".json", data: "{"},
		{name: "unknown ext", ext: ".txt", data: "objective: x"},
		{name: "empty yaml", ext: ".yaml", data: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.ext, []byte(tt.data))
			assert.ErrorIs(t, err, ErrInvalidTask)
		})
	}
}

func TestParseKeepsUnknownEnumValues(t *testing.T) {
	tk, err := Parse(".yaml", []byte("objective: x\naction_type: teleport\nimpact_level: cosmic\n"))
	require.NoError(t, err)
	assert.Equal(t, "teleport", tk.ActionType)
	assert.Equal(t, "cosmic", tk.ImpactLevel)
}

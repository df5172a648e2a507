package expr

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompileEnforcesBool(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile(`"quarantine"`)
	require.Error(t, err, "string-typed expression must be rejected")

	_, err = env.Compile(`   `)
	require.Error(t, err, "empty expression must be rejected")

	_, err = env.Compile(`message.size > `)
	require.Error(t, err, "syntax error must be rejected")

	program, err := env.Compile(`message.size > 1024`)
	require.NoError(t, err)

	matched, err := program.EvalBool(map[string]any{
		"message": map[string]any{"size": 2048},
	})
	require.NoError(t, err)
	require.True(t, matched)
}

func TestMessageFieldConditions(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	activation := map[string]any{
		"message": map[string]any{
			"sender":    "spam@bulk.example",
			"recipient": "inbox@corp.example",
			"subject":   "WIN A PRIZE",
			"headers":   map[string]any{"x-spam-score": "9.1"},
			"size":      512,
		},
	}

	tests := []struct {
		expr string
		want bool
	}{
		{`message.sender.endsWith("@bulk.example")`, true},
		{`message.subject.contains("PRIZE")`, true},
		{`message.recipient.startsWith("admin@")`, false},
		{`message.size > 1024`, false},
		{`lookup(message.headers, "x-spam-score") == "9.1"`, true},
		{`lookup(message.headers, "x-missing") == null`, true},
	}
	for _, tc := range tests {
		program, err := env.Compile(tc.expr)
		require.NoError(t, err, tc.expr)
		got, err := program.EvalBool(activation)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvalBoolReportsMissingVariables(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	program, err := env.Compile(`message.sender == "a@b.c"`)
	require.NoError(t, err)

	_, err = program.EvalBool(map[string]any{})
	require.Error(t, err, "activation without message must surface an eval error")
}

func TestUninitializedProgram(t *testing.T) {
	var program Program
	_, err := program.EvalBool(nil)
	require.Error(t, err)
}

func TestProgramSource(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)
	program, err := env.Compile(`  true `)
	require.NoError(t, err)
	require.Equal(t, "true", program.Source())
}

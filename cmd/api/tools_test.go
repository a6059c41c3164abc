package main

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taxdesk/backend/internal/experts"
	"taxdesk/backend/internal/matching"
)

func TestDescribeOutcome(t *testing.T) {
	catalog, err := experts.Parse([]byte("experts:\n  - id: a\n    name: Ana\n"))
	require.NoError(t, err)

	out := describeOutcome(matching.Fallback{
		Result: matching.Result{CandidateID: "a", Confidence: 60, Justification: "x"},
		Cause:  errors.New("model offline"),
	}, catalog)
	assert.Equal(t, "fallback", out.Kind)
	assert.Equal(t, "model offline", out.Cause)
	require.NotNil(t, out.Expert)
	assert.Equal(t, "Ana", out.Expert.Name)

	out = describeOutcome(matching.NoCandidates{}, catalog)
	assert.Equal(t, "none", out.Kind)
	assert.Nil(t, out.Match)
}

func TestRootCommandListsSubcommands(t *testing.T) {
	root := newRootCmd()
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetArgs([]string{"--help"})
	require.NoError(t, root.Execute())

	help := buf.String()
	for _, name := range []string{"serve", "match", "session"} {
		assert.True(t, strings.Contains(help, name), "help should mention %s", name)
	}
}

func TestPrintJSONIndents(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printJSON(&buf, map[string]int{"n": 1}))
	assert.Equal(t, "{\n  \"n\": 1\n}\n", buf.String())
}

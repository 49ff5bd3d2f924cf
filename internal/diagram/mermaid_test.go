package diagram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderMermaidLinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)

	assert.Contains(t, output, "graph TD")
	assert.Contains(t, output, "%% ETL Pipeline")
	assert.Contains(t, output, `fetch["fetch (http)"]`)
	assert.Contains(t, output, "__start__((")
	assert.Contains(t, output, "__end__((")
	assert.Contains(t, output, "fetch --> transform")
	assert.Contains(t, output, "classDef completed")
	assert.Contains(t, output, "classDef failed")
	assert.NotContains(t, output, "class fetch")
}

func TestRenderMermaidBranch(t *testing.T) {
	model, err := Build(branchWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `check{"check (echo)"}`)
	assert.Contains(t, output, "check -->|if !ref($.check.ok)| deploy")
	assert.Contains(t, output, "check -->|else| notify")
}

func TestRenderMermaidSubflow(t *testing.T) {
	model, err := Build(subflowWorkflow(), nil)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, `subgraph sub_loop["per item"]`)
	assert.Contains(t, output, "        body --> tail")
	assert.Contains(t, output, "loop -.-> body")
}

func TestRenderMermaidOverlay(t *testing.T) {
	ov := Overlay{
		"fetch":     {Status: StatusCompleted, Runs: 2, DurationMs: 40},
		"transform": {Status: StatusRunning},
	}
	model, err := Build(linearWorkflow(), ov)
	require.NoError(t, err)

	output := RenderMermaid(model)
	assert.Contains(t, output, "class fetch completed")
	assert.Contains(t, output, "class transform running")
	assert.Contains(t, output, "<br/>2x 40ms")
}

func TestMermaidSafeID(t *testing.T) {
	assert.Equal(t, "user_signup_v2", mermaidSafeID("user/signup.v2"))
	assert.Equal(t, "a_b", mermaidSafeID("a-b"))
	assert.Equal(t, "say #quot;hi#quot;", mermaidEscapeLabel(`say "hi"`))
}

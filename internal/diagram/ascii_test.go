package diagram

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderASCIILinear(t *testing.T) {
	model, err := Build(linearWorkflow(), nil)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.True(t, strings.HasPrefix(output, "=== ETL Pipeline ==="))
	assert.Contains(t, output, "│ fetch ")
	assert.Contains(t, output, "│ (http) ")
	assert.Contains(t, output, "▼")
	assert.Less(t, strings.Index(output, "fetch"), strings.Index(output, "transform"))
}

func TestRenderASCIIStatusAndSubflow(t *testing.T) {
	ov := Overlay{
		"loop": {Status: StatusCompleted, Runs: 1, DurationMs: 12},
		"body": {Status: StatusFailed},
	}
	model, err := Build(subflowWorkflow(), ov)
	require.NoError(t, err)

	output := RenderASCII(model)
	assert.Contains(t, output, "[OK]")
	assert.Contains(t, output, "12ms")
	assert.Contains(t, output, "--- loop subflow (per item) ---")
	assert.Contains(t, output, "  body [FAIL]")
	assert.Contains(t, output, "body ─→ tail")
}

func TestStatusTag(t *testing.T) {
	assert.Equal(t, "[RUN]", statusTag(StatusRunning))
	assert.Equal(t, "[STOP]", statusTag(StatusCancelled))
	assert.Empty(t, statusTag("unknown"))
}

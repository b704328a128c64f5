package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/availwatch/internal/engine"
	"github.com/roach88/availwatch/internal/record"
)

func TestRun_Scenarios(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, scenario := range scenarios {
		t.Run(scenario.Name, func(t *testing.T) {
			result, err := Run(scenario)
			require.NoError(t, err)
			assert.True(t, result.Pass, "assertion failures:\n%v", result.Errors)
		})
	}
}

func TestRun_Deterministic(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/out_of_order.yaml")
	require.NoError(t, err)

	first, err := Run(scenario)
	require.NoError(t, err)
	second, err := Run(scenario)
	require.NoError(t, err)

	a, err := Snapshot(scenario.Name, first).Marshal()
	require.NoError(t, err)
	b, err := Snapshot(scenario.Name, second).Marshal()
	require.NoError(t, err)
	assert.Equal(t, string(a), string(b))
}

func TestRun_TraceIsSeqOrdered(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/identical_submissions.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)

	require.NotEmpty(t, result.Trace)
	for i, ev := range result.Trace {
		assert.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestRun_MonotonicFineStatus(t *testing.T) {
	scenarios, err := LoadScenarios("testdata/scenarios")
	require.NoError(t, err)

	for _, scenario := range scenarios {
		result, err := Run(scenario)
		require.NoError(t, err, scenario.Name)

		last := make(map[string]record.FineStatus)
		for _, ev := range result.Trace {
			if ev.Kind != engine.TraceTransition {
				continue
			}
			prev, seen := last[ev.ID]
			if seen {
				assert.False(t, prev.Terminal(), "%s: %s moved after terminal %s", scenario.Name, ev.ID, prev)
				assert.Greater(t, ev.FineStatus, prev, "%s: %s regressed", scenario.Name, ev.ID)
			}
			last[ev.ID] = ev.FineStatus
		}
	}
}

func TestRun_DroppedAfterTerminal(t *testing.T) {
	scenario, err := LoadScenario("testdata/scenarios/terminal_idempotent.yaml")
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.Equal(t, []string{"0/finalized", "0/included_in_block"}, result.Dropped)
}

func TestRun_AssertionFailureReported(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wrong_expectation
description: "A failing assertion is reported on the result"
account: 5Alice
steps:
  - submit: { kind: transfer, recipient: 5Bob, amount: "1" }
  - notify: { stream: 0, kind: included_in_block, block_hash: "0xbh" }
assertions:
  - type: final_state
    id: tx-1
    expect: { fine_status: finalized }
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.False(t, result.Pass)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], `tx-1.fine_status = "in_block"`)
}

func TestRun_StepErrors(t *testing.T) {
	tests := []struct {
		name  string
		steps string
		want  string
	}{
		{
			name:  "notify unknown stream",
			steps: `[{ notify: { stream: 3, kind: broadcasted } }]`,
			want:  "no stream 3",
		},
		{
			name:  "unexpected synchronous error",
			steps: `[{ submit: { kind: transfer, recipient: 5Bob, amount: "x" } }]`,
			want:  "submit:",
		},
		{
			name:  "expected error not returned",
			steps: `[{ submit: { kind: data, data: "x", expect_error: INVALID_AMOUNT } }]`,
			want:  "expected INVALID_AMOUNT, got submission tx-1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scenario, err := ParseScenario([]byte(`
name: step_error
description: "x"
account: 5Alice
steps: ` + tt.steps + `
assertions: [{ type: trace_count, event: created }]
`))
			require.NoError(t, err)

			_, err = Run(scenario)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "steps[0]")
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRun_WaitStep(t *testing.T) {
	scenario, err := ParseScenario([]byte(`
name: wait_for_fallback
description: "Wait observes a fallback that already fired"
account: 5Alice
config:
  finality_timeout: 5s
steps:
  - submit: { kind: data, data: "blob" }
  - notify: { stream: 0, kind: included_in_block, block_hash: "0xbh" }
  - advance: 5s
  - wait: { id: tx-1, fine_status: finalized }
assertions:
  - type: final_state
    id: tx-1
    expect:
      message: "Transaction finalized in block 0xbh (assumed: no finality notification within 5s)"
`))
	require.NoError(t, err)

	result, err := Run(scenario)
	require.NoError(t, err)
	assert.True(t, result.Pass, "%v", result.Errors)
}

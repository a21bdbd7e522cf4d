package caseiter

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeRecorder struct {
	cases []*Case
}

func (r *fakeRecorder) Append(c *Case) error {
	r.cases = append(r.cases, c)
	return nil
}

func newTestDispatcher(t *testing.T, iter CaseIterator, model Scope) (*Dispatcher, *fakeRecorder) {
	t.Helper()
	rec := &fakeRecorder{}
	d := NewDispatcher(iter, rec, model, 1, true, zap.NewNop(), NewMetrics(prometheus.NewRegistry()))
	return d, rec
}

func TestNextCasePrefersTodoThenRerunThenIterator(t *testing.T) {
	iterCase := NewCase(nil, nil)
	iterCase.Label = "from-iter"
	d, _ := newTestDispatcher(t, NewSliceCaseIterator([]*Case{iterCase}), nil)

	todoCase := NewCase(nil, nil)
	todoCase.Label = "from-todo"
	rerunCase := NewCase(nil, nil)
	rerunCase.Label = "from-rerun"

	d.todo = append(d.todo, todoCase)
	d.rerun = append(d.rerun, rerunCase)

	c, isRerun := d.nextCase()
	require.Equal(t, "from-todo", c.Label)
	require.False(t, isRerun)

	c, isRerun = d.nextCase()
	require.Equal(t, "from-rerun", c.Label)
	require.True(t, isRerun)

	c, isRerun = d.nextCase()
	require.Equal(t, "from-iter", c.Label)
	require.False(t, isRerun)

	c, _ = d.nextCase()
	require.Nil(t, c)
}

func TestServerReadyLocalWorkerRunsCaseToCompletion(t *testing.T) {
	c := NewCase([]NamedValue{{Name: "x", Value: 2.0}}, []string{"y"})
	model := NewInMemoryScope(nil)
	model.RunFn = func(values map[string]any) error {
		values["y"] = values["x"].(float64) * 2
		return nil
	}

	d, rec := newTestDispatcher(t, NewSliceCaseIterator([]*Case{c}), model)
	d.StartLocalWorker("local")

	// The local worker never pauses for a reply, so a single call loops
	// through setup, execute, and reload-to-Ready until the iterator is
	// exhausted.
	require.False(t, d.ServerReady("local", nil))

	require.Len(t, rec.cases, 1)
	out := rec.cases[0].GetOutputs(false)
	require.Equal(t, 4.0, out[0].Value)
}

func TestServerReadySetupFailureRequeuesUntilRetryBudgetExhausted(t *testing.T) {
	c := NewCase([]NamedValue{{Name: "x", Value: 1.0}}, nil)
	model := NewInMemoryScope(nil)
	model.SetFn = func(name string, value any) error {
		return assertAlwaysFails()
	}

	d, rec := newTestDispatcher(t, NewSliceCaseIterator([]*Case{c}), model)
	d.maxRetries = 1
	d.StartLocalWorker("local")

	// One call loops through the first failure, the budget-funded rerun,
	// the second failure, and exhaustion once the retry budget runs out.
	require.False(t, d.ServerReady("local", nil))

	require.Len(t, rec.cases, 1)
	require.Contains(t, rec.cases[0].Msg, "server error")
	require.Equal(t, 1, rec.cases[0].Retries)
}

func assertAlwaysFails() error {
	return &ServerError{Worker: "local", Op: "set", Err: errPlainSetFailure}
}

var errPlainSetFailure = plainError("injected set failure")

type plainError string

func (e plainError) Error() string { return string(e) }

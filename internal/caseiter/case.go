package caseiter

import (
	"context"
	"fmt"
	"regexp"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
)

// ExprEvaluator is the external collaborator used when an input/output name is a general expression
// rather than a legal assignment target. Construction/compilation is
// memoized by internal/exprcache; Case only holds the interface.
type ExprEvaluator interface {
	Set(value any, scope Scope) error
	Evaluate(scope Scope) (any, error)
}

// Scope is the model/top-level-object a Case's inputs/outputs are
// applied against, and through which a case is executed.
type Scope interface {
	Set(name string, value any, index []any) error
	Get(name string, index []any) (any, error)
	Run(ctx context.Context) error
	SetCaseID(id uuid.UUID)
}

// legalName matches a plain assignment target: an identifier followed
// by any number of ".attr" or "[index]" accessors. Anything else is
// treated as a general expression requiring an ExprEvaluator.
var legalName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*|\[[^\]]+\])*$`)

// IsLegalAssignmentTarget reports whether s can be used directly as a
// set/get target without going through an expression evaluator.
func IsLegalAssignmentTarget(s string) bool {
	return legalName.MatchString(s)
}

// outputMissing is the sentinel stored for an output until
// UpdateOutputs successfully evaluates it. It is distinct from nil
// because nil is itself a valid model output.
type outputMissing struct{}

// ErrOutputMissing is the sentinel value of an output that has not yet
// been (successfully) populated.
var ErrOutputMissing = outputMissing{}

// TracedError wraps a model-execution error together with the stack
// captured at the point of failure.
type TracedError struct {
	Err error
	Stack string
}

func (t *TracedError) Error() string { return t.Err.Error() }
func (t *TracedError) Unwrap() error { return t.Err }

func newTracedError(err error) *TracedError {
	return &TracedError{Err: err, Stack: string(debug.Stack())}
}

// Case is a parameterized evaluation request plus its future outputs
// and status.
type Case struct {
	inputs *orderedMap
	outputs *orderedMap
	exprs map[string]ExprEvaluator

	MaxRetries int
	Retries int
	Label string
	UUID uuid.UUID
	ParentUUID uuid.UUID
	Timestamp time.Time
	Msg string
	Exc *TracedError
}

// NamedValue is an (name, value) input pair for NewCase.
type NamedValue struct {
	Name string
	Value any
}

// NewCase constructs a Case, optionally seeded with inputs and output
// names (or (name, value) output pairs via AddOutput after
// construction). uuid is assigned fresh unless overridden.
func NewCase(inputs []NamedValue, outputNames []string) *Case {
	c := &Case{
		inputs: newOrderedMap(),
		exprs: nil,
		UUID: uuid.New(),
		Timestamp: time.Now(),
	}
	for _, in := range inputs {
		c.AddInput(in.Name, in.Value)
	}
	for _, name := range outputNames {
		c.AddOutput(name, ErrOutputMissing)
	}
	return c
}

func (c *Case) registerExpr(name string) {
	if IsLegalAssignmentTarget(name) {
		return
	}
	if c.exprs == nil {
		c.exprs = make(map[string]ExprEvaluator)
	}
	if _, ok := c.exprs[name]; !ok {
		c.exprs[name] = compileExpr(name)
	}
}

// compileExpr is overridable for tests; production wiring installs a
// memoized compiler via UseExprCache.
var compileExpr = func(expr string) ExprEvaluator { return nil }

// exprCache is the memoization layer described in
// internal/exprcache: building an ExprEvaluator is assumed
// non-trivial, so it's compiled once per distinct expression string
// and reused across every case that references it.
type exprCache interface {
	GetOrCompile(expr string) (any, error)
}

// UseExprCache installs cache as the backing store for every future
// non-assignment-target name, so repeated expressions across a sweep
// of cases compile exactly once.
func UseExprCache(cache exprCache) {
	compileExpr = func(expr string) ExprEvaluator {
		v, err := cache.GetOrCompile(expr)
		if err != nil {
			return nil
		}
		ev, _ := v.(ExprEvaluator)
		return ev
	}
}

// AddInput adds (or overwrites) an input by name. If name is not a
// legal assignment target, it is routed through an ExprEvaluator.
func (c *Case) AddInput(name string, value any) {
	c.registerExpr(name)
	c.inputs.Set(name, value)
}

// AddOutput adds (or overwrites) an output by name with the given
// value. NewCase passes ErrOutputMissing for each output name.
func (c *Case) AddOutput(name string, value any) {
	c.registerExpr(name)
	if c.outputs == nil {
		c.outputs = newOrderedMap()
	}
	c.outputs.Set(name, value)
}

// GetInputs returns (name, value) pairs in insertion order, optionally
// flattened.
func (c *Case) GetInputs(flatten bool) []kvPair {
	return itemsOf(c.inputs, flatten)
}

// GetOutputs returns (name, value) pairs in insertion order,
// optionally flattened.
func (c *Case) GetOutputs(flatten bool) []kvPair {
	return itemsOf(c.outputs, flatten)
}

func itemsOf(m *orderedMap, flatten bool) []kvPair {
	if m == nil {
		return nil
	}
	if !flatten {
		return m.Items()
	}
	var out []kvPair
	for _, it := range m.Items() {
		for _, fp := range Flatten(it.Key, it.Value) {
			out = append(out, kvPair{Key: fp.Name, Value: fp.Value})
		}
	}
	return out
}

// Items returns inputs, outputs, or both (inputs before outputs),
// matching iotype "in", "out", or "".
func (c *Case) Items(iotype string, flatten bool) ([]kvPair, error) {
	switch iotype {
	case "":
		return append(c.GetInputs(flatten), c.GetOutputs(flatten)...), nil
	case "in":
		return c.GetInputs(flatten), nil
	case "out":
		return c.GetOutputs(flatten), nil
	default:
		return nil, fmt.Errorf("caseiter: invalid iotype %q: must be \"in\", \"out\", or \"\"", iotype)
	}
}

// Keys is a convenience wrapper around Items that discards values.
func (c *Case) Keys(iotype string, flatten bool) ([]string, error) {
	items, err := c.Items(iotype, flatten)
	if err != nil {
		return nil, err
	}
	keys := make([]string, len(items))
	for i, it := range items {
		keys[i] = it.Key
	}
	return keys, nil
}

// Equal compares msg, label, and flattened item sequences
// element-wise. Any failure while comparing yields false rather than
// panicking.
func (c *Case) Equal(other *Case) (eq bool) {
	if c == other {
		return true
	}
	if other == nil {
		return false
	}
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	if c.Msg != other.Msg || c.Label != other.Label {
		return false
	}
	a, _ := c.Items("", true)
	b, _ := other.Items("", true)
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].Key != b[i].Key {
			return false
		}
		if !valuesEqual(a[i].Value, b[i].Value) {
			return false
		}
	}
	return true
}

func valuesEqual(a, b any) bool {
	if af, ok := a.(float64); ok {
		if bf, ok := b.(float64); ok {
			return af == bf
		}
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Subcase builds a new Case containing only the named entries,
// carrying over ParentUUID, MaxRetries, and Timestamp. Unknown names
// fail with a key-not-found error.
func (c *Case) Subcase(names []string) (*Case, error) {
	sub := &Case{
		inputs: newOrderedMap(),
		ParentUUID: c.ParentUUID,
		MaxRetries: c.MaxRetries,
		Timestamp: c.Timestamp,
		UUID: uuid.New(),
	}
	for _, name := range names {
		if v, ok := c.inputs.Get(name); ok {
			sub.AddInput(name, v)
			continue
		}
		if c.outputs != nil {
			if v, ok := c.outputs.Get(name); ok {
				sub.AddOutput(name, v)
				continue
			}
		}
		return nil, fmt.Errorf("caseiter: %q is not part of this case", name)
	}
	return sub, nil
}

// ApplyInputs sets every input on scope, using a registered
// ExprEvaluator where present, else a plain set. Scope's case-id field
// is stamped with this case's UUID.
func (c *Case) ApplyInputs(scope Scope) error {
	scope.SetCaseID(c.UUID)
	for _, item := range c.inputs.Items() {
		if expr, ok := c.exprs[item.Key]; ok && expr != nil {
			if err := expr.Set(item.Value, scope); err != nil {
				return fmt.Errorf("caseiter: setting %q: %w", item.Key, err)
			}
			continue
		}
		if err := scope.Set(item.Key, item.Value, nil); err != nil {
			return fmt.Errorf("caseiter: setting %q: %w", item.Key, err)
		}
	}
	return nil
}

// UpdateOutputs evaluates every output against scope, sets Msg, and
// always refreshes Timestamp. Per-output failures store the missing
// sentinel and accumulate into Msg; the last failure is returned as
// an *OutputReadError once all outputs have been attempted.
func (c *Case) UpdateOutputs(scope Scope, msg string) error {
	c.Msg = msg
	var last error
	if c.outputs != nil {
		for _, key := range c.outputs.Keys() {
			var (
				v any
				err error
			)
			if expr, ok := c.exprs[key]; ok && expr != nil {
				v, err = expr.Evaluate(scope)
			} else {
				v, err = scope.Get(key, nil)
			}
			if err != nil {
				readErr := &OutputReadError{Name: key, Err: err}
				last = readErr
				c.outputs.Set(key, ErrOutputMissing)
				if c.Msg == "" {
					c.Msg = readErr.Error()
				} else {
					c.Msg = c.Msg + " " + readErr.Error()
				}
				continue
			}
			c.outputs.Set(key, v)
		}
	}
	c.Timestamp = time.Now()
	return last
}

// Reset clears outputs to the missing sentinel, resets retries,
// assigns a fresh UUID, and clears ParentUUID.
func (c *Case) Reset() {
	c.ParentUUID = uuid.Nil
	c.UUID = uuid.New()
	c.Retries = 0
	if c.outputs != nil {
		for _, k := range c.outputs.Keys() {
			c.outputs.Set(k, ErrOutputMissing)
		}
	}
}

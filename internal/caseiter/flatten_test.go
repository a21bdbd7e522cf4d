package caseiter

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFlattenScalarIsIdempotentSingleton(t *testing.T) {
	got := Flatten("x", 42.0)
	require.Equal(t, []FlatPair{{Name: "x", Value: 42.0}}, got)
}

func TestFlattenNestedSequence(t *testing.T) {
	got := Flatten("m", [][]float64{{1, 2}, {3, 4}})
	require.Equal(t, []FlatPair{
		{Name: "m[0][0]", Value: 1.0},
		{Name: "m[0][1]", Value: 2.0},
		{Name: "m[1][0]", Value: 3.0},
		{Name: "m[1][1]", Value: 4.0},
	}, got)
}

func TestFlattenUnknownTypeYieldsNothing(t *testing.T) {
	type opaque struct{ V int }
	got := Flatten("o", opaque{V: 1})
	require.Nil(t, got)
}

func TestRegisterFlattenerHandlesNewKind(t *testing.T) {
	type tagged struct{ V float64 }
	RegisterFlattener(
		func(v any) bool { _, ok := v.(tagged); return ok },
		func(name string, v any) []FlatPair { return []FlatPair{{Name: name + ".tagged", Value: v.(tagged).V}} },
	)
	got := Flatten("t", tagged{V: 7})
	require.Equal(t, []FlatPair{{Name: "t.tagged", Value: 7.0}}, got)
}

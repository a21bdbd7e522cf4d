package recorder

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/caseiter/driver/internal/caseiter"
)

func TestSQLiteRecorderAppendAndReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cases.db")

	rec, err := NewSQLiteRecorder(path)
	require.NoError(t, err)

	c := caseiter.NewCase([]caseiter.NamedValue{{Name: "x", Value: 1.0}}, []string{"y"})
	c.Label = "case-0"
	require.NoError(t, rec.Append(c))
	require.NoError(t, rec.Close())

	// Reopening against the same file must not fail the migration path.
	rec2, err := NewSQLiteRecorder(path)
	require.NoError(t, err)
	defer rec2.Close()

	c2 := caseiter.NewCase(nil, nil)
	c2.UUID = uuid.New()
	require.NoError(t, rec2.Append(c2))
}

func TestFlattenItemsCopiesKeysAndValues(t *testing.T) {
	c := caseiter.NewCase([]caseiter.NamedValue{{Name: "a", Value: 1.0}, {Name: "b", Value: "two"}}, nil)

	items, err := flattenItems(c)
	require.NoError(t, err)
	require.Len(t, items, 2)
	require.Equal(t, "a", items[0].Key)
	require.Equal(t, 1.0, items[0].Value)
	require.Equal(t, "b", items[1].Key)
	require.Equal(t, "two", items[1].Value)
}

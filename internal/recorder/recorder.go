// Package recorder provides two concrete caseiter.Recorder backends —
// SQLite for local/demo runs and Postgres for shared/production ones —
// each backed by its own driver, mattn/go-sqlite3 and jackc/pgx/v5.
package recorder

import "github.com/caseiter/driver/internal/caseiter"

// itemPair is an exported stand-in for caseiter's unexported kvPair,
// built by copying out of Case.Items so json.Marshal has a named type
// to work with.
type itemPair struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

func flattenItems(c *caseiter.Case) ([]itemPair, error) {
	items, err := c.Items("", true)
	if err != nil {
		return nil, err
	}
	out := make([]itemPair, len(items))
	for i, it := range items {
		out[i] = itemPair{Key: it.Key, Value: it.Value}
	}
	return out, nil
}

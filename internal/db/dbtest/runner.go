package dbtest

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// Runner is a db.TxRunner for unit tests with mocked stores. It calls fn with a
// nil transaction and counts invocations.
type Runner struct {
	Calls int
}

func (r *Runner) InTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	r.Calls++
	return fn(nil)
}

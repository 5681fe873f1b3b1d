package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifyMarksCollisions(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "23505"} {
		err := classify(fmt.Errorf("platform/db: commit tx: %w", &pgconn.PgError{Code: code}))
		require.ErrorIs(t, err, ErrSerialization, code)
		assert.True(t, IsSerialization(err), code)
	}
}

func TestClassifyPassesOtherErrorsThrough(t *testing.T) {
	sentinel := errors.New("record changed")
	assert.Same(t, sentinel, classify(sentinel))

	syntax := &pgconn.PgError{Code: "42601"}
	err := classify(syntax)
	assert.False(t, errors.Is(err, ErrSerialization))
	var pgErr *pgconn.PgError
	require.ErrorAs(t, err, &pgErr)
	assert.Equal(t, "42601", pgErr.Code)

	wrapped := fmt.Errorf("%w: already marked", ErrSerialization)
	assert.Equal(t, wrapped, classify(wrapped))
}

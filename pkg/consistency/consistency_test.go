package consistency

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theory-cloud/tablemodel/pkg/core"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/query"
)

var _ Reader = (*query.Query)(nil)

type user struct {
	ID    string
	Email string
}

// staleReader serves misses until the item becomes visible.
type staleReader struct {
	visibleAfter int
	calls        int
	item         user
	err          error
}

func (r *staleReader) First(dest any) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	if r.calls <= r.visibleAfter {
		return customerrors.ErrItemNotFound
	}
	*dest.(*user) = r.item
	return nil
}

func (r *staleReader) All(dest any) error {
	r.calls++
	if r.err != nil {
		return r.err
	}
	out := dest.(*[]user)
	*out = (*out)[:0]
	if r.calls > r.visibleAfter {
		*out = append(*out, r.item)
	}
	return nil
}

func testOptions(retries int, delays *[]time.Duration) *Options {
	return &Options{
		Policy: &core.RetryPolicy{MaxRetries: retries, InitialDelay: 10 * time.Millisecond, BackoffFactor: 2},
		Sleep: func(_ context.Context, d time.Duration) error {
			*delays = append(*delays, d)
			return nil
		},
	}
}

func TestFirstWaitsForVisibility(t *testing.T) {
	var delays []time.Duration
	r := &staleReader{visibleAfter: 2, item: user{ID: "u1", Email: "a@example.com"}}

	var got user
	require.NoError(t, First(context.Background(), r, &got, testOptions(5, &delays)))
	assert.Equal(t, "a@example.com", got.Email)
	assert.Equal(t, 3, r.calls)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, delays)
}

func TestFirstGivesUp(t *testing.T) {
	var delays []time.Duration
	r := &staleReader{visibleAfter: 10}

	var got user
	err := First(context.Background(), r, &got, testOptions(2, &delays))
	assert.ErrorIs(t, err, customerrors.ErrItemNotFound)
	assert.Equal(t, 3, r.calls)
}

func TestFirstStopsOnOtherErrors(t *testing.T) {
	var delays []time.Duration
	boom := errors.New("throttled")
	r := &staleReader{err: boom}

	var got user
	assert.ErrorIs(t, First(context.Background(), r, &got, testOptions(5, &delays)), boom)
	assert.Equal(t, 1, r.calls)
	assert.Empty(t, delays)
}

func TestVerify(t *testing.T) {
	var delays []time.Duration
	r := &staleReader{item: user{ID: "u1", Email: "old@example.com"}}
	opts := testOptions(3, &delays)
	opts.Verify = func(dest any) bool {
		if r.calls == 2 {
			r.item.Email = "new@example.com"
		}
		return dest.(*user).Email == "new@example.com"
	}

	var got user
	require.NoError(t, First(context.Background(), r, &got, opts))
	assert.Equal(t, "new@example.com", got.Email)
	assert.Equal(t, 3, r.calls)
}

func TestAllWaitsForNonEmpty(t *testing.T) {
	var delays []time.Duration
	r := &staleReader{visibleAfter: 1, item: user{ID: "u1"}}

	var got []user
	require.NoError(t, All(context.Background(), r, &got, testOptions(3, &delays)))
	assert.Len(t, got, 1)
	assert.Len(t, delays, 1)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var got user
	assert.ErrorIs(t, First(ctx, &staleReader{}, &got, nil), context.Canceled)
}

func TestDefaultOptions(t *testing.T) {
	opts := (*Options)(nil).normalize()
	assert.Equal(t, 5, opts.Policy.Retries())
	assert.NotNil(t, opts.Sleep)

	partial := (&Options{Policy: core.NoRetry()}).normalize()
	assert.Equal(t, 0, partial.Policy.Retries())
	assert.NotNil(t, partial.Sleep)
}

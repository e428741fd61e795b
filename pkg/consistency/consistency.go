// Package consistency retries reads that can run ahead of a write, typically a
// query on a global secondary index right after the item was written.
//
// Reads on the base table should use ConsistentRead instead:
//
//	err := db.Model(&User{}).Where("ID", "=", id).ConsistentRead().First(&user)
//
// Index reads cannot be strongly consistent, so they are retried:
//
//	q := db.Model(&User{}).Index("gsi-email").Where("Email", "=", email)
//	err := consistency.First(ctx, q, &user, nil)
package consistency

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/theory-cloud/tablemodel/pkg/core"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
)

// Reader is the part of a query the helpers run. *query.Query implements it.
type Reader interface {
	First(dest any) error
	All(dest any) error
}

// Options tune the retries. A nil *Options uses DefaultOptions.
type Options struct {
	// Policy bounds the attempts and the backoff between them.
	Policy *core.RetryPolicy
	Sleep  core.Sleeper
	// Verify, when set, must accept dest before the read counts as visible.
	Verify func(dest any) bool
}

// DefaultOptions retries five times starting at 100ms.
func DefaultOptions() *Options {
	policy := core.DefaultRetryPolicy()
	policy.MaxRetries = 5
	return &Options{Policy: policy, Sleep: core.SleepContext}
}

func (o *Options) normalize() *Options {
	if o == nil {
		return DefaultOptions()
	}
	out := *o
	if out.Policy == nil {
		out.Policy = DefaultOptions().Policy
	}
	if out.Sleep == nil {
		out.Sleep = core.SleepContext
	}
	return &out
}

// First runs r.First until an item is found and accepted by Verify. Errors
// other than ErrItemNotFound end the retries.
func First(ctx context.Context, r Reader, dest any, opts *Options) error {
	opts = opts.normalize()
	return retry(ctx, opts, func() (bool, error) {
		err := r.First(dest)
		if errors.Is(err, customerrors.ErrItemNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return opts.Verify == nil || opts.Verify(dest), nil
	})
}

// All runs r.All until dest, a pointer to a slice, is not empty and accepted by
// Verify.
func All(ctx context.Context, r Reader, dest any, opts *Options) error {
	opts = opts.normalize()
	return retry(ctx, opts, func() (bool, error) {
		if err := r.All(dest); err != nil {
			return false, err
		}
		if v := reflect.ValueOf(dest); v.Kind() == reflect.Ptr && v.Elem().Kind() == reflect.Slice && v.Elem().Len() == 0 {
			return false, nil
		}
		return opts.Verify == nil || opts.Verify(dest), nil
	})
}

func retry(ctx context.Context, opts *Options, read func() (bool, error)) error {
	retries := opts.Policy.Retries()
	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		visible, err := read()
		if err != nil || visible {
			return err
		}
		if attempt >= retries {
			return fmt.Errorf("%w: not visible after %d retries", customerrors.ErrItemNotFound, retries)
		}
		if err := opts.Sleep(ctx, opts.Policy.Delay(attempt)); err != nil {
			return err
		}
	}
}

package query

import (
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/theory-cloud/tablemodel/internal/numutil"
	"github.com/theory-cloud/tablemodel/pkg/core"
	"github.com/theory-cloud/tablemodel/pkg/errors"
)

// First loads the first matching item into dest, a pointer to the model.
func (q *Query) First(dest any) error {
	p, start, err := q.prepare(false, false)
	if err != nil {
		return q.wrap("first", err)
	}
	if !p.filtered {
		p.defaultLimit(1)
	}

	items, err := collect(q.ctx, p.pager(q.exec), start, 1)
	if err != nil {
		return q.wrap("first", err)
	}
	if len(items) == 0 {
		return q.wrap("first", errors.ErrItemNotFound)
	}
	return q.wrap("first", q.metadata.LoadItems(items, dest))
}

// All loads every matching item into dest, a pointer to a slice of models or model
// pointers. Limit caps the number of items.
func (q *Query) All(dest any) error {
	return q.readAll("all", false, dest)
}

// Scan is All forced to a Scan even when a key condition is available.
func (q *Query) Scan(dest any) error {
	return q.readAll("scan", true, dest)
}

func (q *Query) readAll(op string, forceScan bool, dest any) error {
	p, start, err := q.prepare(forceScan, false)
	if err != nil {
		return q.wrap(op, err)
	}

	items, err := collect(q.ctx, p.pager(q.exec), start, q.limit)
	if err != nil {
		return q.wrap(op, err)
	}
	return q.wrap(op, q.metadata.LoadItems(items, dest))
}

// Page loads a single page into dest and returns the cursor of the next page.
func (q *Query) Page(dest any) (*core.Page, error) {
	p, start, err := q.prepare(false, false)
	if err != nil {
		return nil, q.wrap("page", err)
	}
	p.defaultLimit(q.limit)

	pg, err := p.pager(q.exec).fetch(q.ctx, start)
	if err != nil {
		return nil, q.wrap("page", err)
	}
	if err := q.metadata.LoadItems(pg.items, dest); err != nil && !errors.IsNotFound(err) {
		return nil, q.wrap("page", err)
	}

	cursor, err := EncodeCursor(pg.lastKey, p.index)
	if err != nil {
		return nil, q.wrap("page", err)
	}
	return &core.Page{
		Cursor:       cursor,
		Count:        len(pg.items),
		ScannedCount: pg.scannedCount,
		HasMore:      cursor != "",
	}, nil
}

// Count returns the number of matching items without fetching them.
func (q *Query) Count() (int64, error) {
	p, start, err := q.prepare(false, true)
	if err != nil {
		return 0, q.wrap("count", err)
	}

	var total int64
	pgr := p.pager(q.exec)
	key := start
	for {
		pg, err := pgr.fetch(q.ctx, key)
		if err != nil {
			return 0, q.wrap("count", err)
		}
		total += int64(pg.count)
		if len(pg.lastKey) == 0 {
			return total, nil
		}
		key = pg.lastKey
	}
}

// ParallelScan scans the table with the given number of segments concurrently and
// loads the combined result into dest in segment order.
func (q *Query) ParallelScan(dest any, segments int) error {
	if segments < 1 {
		return q.wrap("parallel scan", fmt.Errorf("%w: segments must be positive", errors.ErrInvalidConfig))
	}
	if q.cursor != "" {
		return q.wrap("parallel scan", fmt.Errorf("%w: cursors cannot resume a parallel scan", errors.ErrInvalidCursor))
	}

	p, err := q.compile(true, false)
	if err != nil {
		return q.wrap("parallel scan", err)
	}

	results := make([][]map[string]types.AttributeValue, segments)
	g, ctx := errgroup.WithContext(q.ctx)
	for segment := 0; segment < segments; segment++ {
		segment := segment
		input := *p.scan
		input.Segment = aws.Int32(numutil.Int32(segment))
		input.TotalSegments = aws.Int32(numutil.Int32(segments))

		g.Go(func() error {
			items, err := collect(ctx, scanPager{exec: q.exec, input: &input}, nil, 0)
			if err != nil {
				return err
			}
			results[segment] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return q.wrap("parallel scan", err)
	}

	var items []map[string]types.AttributeValue
	for _, segmentItems := range results {
		items = append(items, segmentItems...)
	}
	if q.limit > 0 && len(items) > q.limit {
		items = items[:q.limit]
	}

	q.exec.logger.Debug("parallel scan finished",
		zap.String("table", q.table),
		zap.Int("segments", segments),
		zap.Int("items", len(items)))

	return q.wrap("parallel scan", q.metadata.LoadItems(items, dest))
}

// prepare compiles the read and decodes the cursor against the chosen index.
func (q *Query) prepare(forceScan, countOnly bool) (plan, map[string]types.AttributeValue, error) {
	p, err := q.compile(forceScan, countOnly)
	if err != nil {
		return plan{}, nil, err
	}
	start, err := startKey(q.cursor, p.index)
	if err != nil {
		return plan{}, nil, err
	}
	return p, start, nil
}

func (q *Query) wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	name := ""
	if q.metadata != nil {
		name = q.metadata.Name()
	}
	return errors.NewError(op, name, err)
}

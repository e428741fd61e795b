// Package transaction groups item writes and reads into DynamoDB transactions.
//
// A Builder collects Create, Put, Save, Update, Delete and ConditionCheck
// operations and commits them with a single TransactWriteItems call. Models are
// only marked persisted or deleted once the whole transaction succeeded; a
// cancelled transaction restores the bookkeeping fields it touched.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/theory-cloud/tablemodel/internal/expr"
	"github.com/theory-cloud/tablemodel/pkg/core"
	customerrors "github.com/theory-cloud/tablemodel/pkg/errors"
	"github.com/theory-cloud/tablemodel/pkg/model"
	"github.com/theory-cloud/tablemodel/pkg/query"
	"github.com/theory-cloud/tablemodel/pkg/tracking"
)

// MaxOperations is the largest number of items DynamoDB accepts in one transaction.
const MaxOperations = 100

// Resolver maps a model to its metadata and the physical table it is stored in.
type Resolver func(model any) (*model.Metadata, string, error)

// Builder accumulates the operations of one write transaction. Builder methods
// record the first error and report it from Execute.
type Builder struct {
	ctx        context.Context
	err        error
	exec       *query.Executor
	resolve    Resolver
	policy     *core.RetryPolicy
	sleep      core.Sleeper
	operations []operation
}

type operationType int

const (
	opPut operationType = iota
	opCreate
	opSave
	opUpdate
	opDelete
	opConditionCheck
)

type operation struct {
	model      any
	metadata   *model.Metadata
	table      string
	fields     []string
	conditions []query.Condition
	typ        operationType
}

// NewBuilder creates an empty write transaction.
func NewBuilder(ctx context.Context, exec *query.Executor, resolve Resolver) *Builder {
	if ctx == nil {
		ctx = context.Background()
	}
	return &Builder{
		ctx:     ctx,
		exec:    exec,
		resolve: resolve,
		policy:  core.DefaultRetryPolicy(),
		sleep:   core.SleepContext,
	}
}

// Failed returns a Builder whose Execute reports err.
func Failed(ctx context.Context, err error) *Builder {
	return &Builder{ctx: ctx, err: err}
}

// WithContext sets the context used by Execute.
func (b *Builder) WithContext(ctx context.Context) *Builder {
	if ctx != nil {
		b.ctx = ctx
	}
	return b
}

// WithRetryPolicy sets how often a transaction cancelled for transient reasons
// (conflicts, throttling) is retried. A nil policy disables retries.
func (b *Builder) WithRetryPolicy(policy *core.RetryPolicy) *Builder {
	b.policy = policy.Clone()
	return b
}

// WithSleeper replaces the function used to wait between retries.
func (b *Builder) WithSleeper(sleep core.Sleeper) *Builder {
	if sleep != nil {
		b.sleep = sleep
	}
	return b
}

// Create schedules an insert guarded by attribute_not_exists on the partition key.
func (b *Builder) Create(m any, conditions ...query.Condition) *Builder {
	return b.add(opCreate, m, nil, conditions)
}

// Put schedules an unconditional replace of the item.
func (b *Builder) Put(m any, conditions ...query.Condition) *Builder {
	return b.add(opPut, m, nil, conditions)
}

// Save schedules the write Save would perform outside a transaction: new models
// are created, dirty models send their changed attributes and untracked models
// are put. A clean model without changes becomes a check that it still exists
// at its loaded version.
func (b *Builder) Save(m any, conditions ...query.Condition) *Builder {
	return b.add(opSave, m, nil, conditions)
}

// Update schedules an update of the named fields of an existing item.
func (b *Builder) Update(m any, fields []string, conditions ...query.Condition) *Builder {
	if len(fields) == 0 {
		b.recordError(fmt.Errorf("%w: update of %T names no fields", customerrors.ErrInvalidModel, m))
		return b
	}
	return b.add(opUpdate, m, fields, conditions)
}

// Delete schedules a delete of the item.
func (b *Builder) Delete(m any, conditions ...query.Condition) *Builder {
	return b.add(opDelete, m, nil, conditions)
}

// ConditionCheck makes the transaction depend on conditions over an item it does
// not write. Without conditions the item must exist.
func (b *Builder) ConditionCheck(m any, conditions ...query.Condition) *Builder {
	return b.add(opConditionCheck, m, nil, conditions)
}

// Len returns the number of scheduled operations.
func (b *Builder) Len() int { return len(b.operations) }

func (b *Builder) add(typ operationType, m any, fields []string, conditions []query.Condition) *Builder {
	if b.err != nil {
		return b
	}
	if m == nil {
		b.recordError(fmt.Errorf("%w: model cannot be nil", customerrors.ErrInvalidModel))
		return b
	}
	if len(b.operations) >= MaxOperations {
		b.recordError(fmt.Errorf("dynamodb transactions support up to %d operations", MaxOperations))
		return b
	}
	metadata, table, err := b.resolve(m)
	if err != nil {
		b.recordError(err)
		return b
	}
	for _, field := range fields {
		if _, ok := metadata.Field(field); !ok {
			b.recordError(fmt.Errorf("%w: %s has no field %s", customerrors.ErrInvalidModel, metadata.Name(), field))
			return b
		}
	}

	b.operations = append(b.operations, operation{
		typ:        typ,
		model:      m,
		metadata:   metadata,
		table:      table,
		fields:     append([]string(nil), fields...),
		conditions: append([]query.Condition(nil), conditions...),
	})
	return b
}

func (b *Builder) recordError(err error) {
	if err != nil && b.err == nil {
		b.err = err
	}
}

// Execute commits the transaction. On success every written model is marked
// persisted (or deleted) and the builder is emptied for reuse.
func (b *Builder) Execute() error {
	if b.err != nil {
		return b.err
	}
	if len(b.operations) == 0 {
		return errors.New("transaction has no operations")
	}

	now := b.exec.Now()
	steps := make([]*step, 0, len(b.operations))
	seen := make(map[string]int, len(b.operations))
	rollback := func() {
		for _, s := range steps {
			s.rollback()
		}
	}

	for idx, op := range b.operations {
		s, err := prepare(op, now)
		if err != nil {
			rollback()
			return fmt.Errorf("transaction operation %s (index %d): %w", op.typ, idx, err)
		}
		steps = append(steps, s)

		id := op.table + "\x00" + keyID(op.metadata, s.key)
		if first, dup := seen[id]; dup {
			rollback()
			return fmt.Errorf("%w: operations %d and %d target the same %s item", customerrors.ErrDuplicateKey, first, idx, op.metadata.Name())
		}
		seen[id] = idx
	}

	items := make([]types.TransactWriteItem, len(steps))
	for i, s := range steps {
		items[i] = s.item
	}
	input := &dynamodb.TransactWriteItemsInput{
		TransactItems:      items,
		ClientRequestToken: aws.String(uuid.NewString()),
	}

	b.exec.Logger().Debug("transact write items", zap.Int("operations", len(items)))
	if err := b.executeWithRetry(steps, input); err != nil {
		rollback()
		return err
	}

	for _, s := range steps {
		if err := s.commit(); err != nil {
			return err
		}
	}
	b.operations = nil
	return nil
}

func (b *Builder) executeWithRetry(steps []*step, input *dynamodb.TransactWriteItemsInput) error {
	for attempt := 0; ; attempt++ {
		_, err := b.exec.Client().TransactWriteItems(b.ctx, input)
		if err == nil {
			return nil
		}

		retryable, translated := b.translateError(steps, err)
		if !retryable || attempt >= b.policy.Retries() {
			return translated
		}

		b.exec.Logger().Debug("retrying cancelled transaction",
			zap.Int("attempt", attempt+1),
			zap.Error(err))
		if err := b.sleep(b.ctx, b.policy.Delay(attempt)); err != nil {
			return err
		}
	}
}

// translateError maps a TransactionCanceledException onto a TransactionError
// naming the first operation that caused it.
func (b *Builder) translateError(steps []*step, err error) (bool, error) {
	var canceled *types.TransactionCanceledException
	if !errors.As(err, &canceled) {
		return false, customerrors.FromSDK(err)
	}

	retryable := true
	var first *customerrors.TransactionError
	for idx, reason := range canceled.CancellationReasons {
		code := aws.ToString(reason.Code)
		if code == "" || code == "None" {
			continue
		}
		if !isRetryableReason(code) {
			retryable = false
		}
		if first != nil {
			continue
		}

		first = &customerrors.TransactionError{
			OperationIndex: idx,
			Operation:      "unknown",
			Model:          "unknown",
			Code:           code,
			Reason:         aws.ToString(reason.Message),
			Err:            customerrors.ErrTransactionFailed,
		}
		if idx < len(b.operations) {
			first.Operation = b.operations[idx].typ.String()
			first.Model = b.operations[idx].metadata.Name()
		}
		if code == "ConditionalCheckFailed" {
			first.Err = customerrors.ErrConditionFailed
			if idx < len(steps) && steps[idx].versioned {
				first.Err = customerrors.ErrStaleObject
			}
		}
	}

	if first == nil {
		return false, fmt.Errorf("%w: %w", customerrors.ErrTransactionFailed, err)
	}
	return retryable, first
}

func isRetryableReason(code string) bool {
	switch code {
	case "TransactionConflict", "ProvisionedThroughputExceeded", "ThrottlingError", "InternalServerError":
		return true
	default:
		return false
	}
}

func (t operationType) String() string {
	switch t {
	case opPut:
		return "Put"
	case opCreate:
		return "Create"
	case opSave:
		return "Save"
	case opUpdate:
		return "Update"
	case opDelete:
		return "Delete"
	case opConditionCheck:
		return "ConditionCheck"
	default:
		return "Unknown"
	}
}

// step is one prepared operation together with what to do once the outcome of
// the transaction is known.
type step struct {
	item      types.TransactWriteItem
	key       map[string]types.AttributeValue
	value     reflect.Value
	restore   model.Restore
	commit    func() error
	versioned bool
}

func (s *step) rollback() {
	if s.value.IsValid() {
		s.restore.Apply(s.value)
	}
}

func prepare(op operation, now time.Time) (*step, error) {
	v, err := op.metadata.StructValue(op.model)
	if err != nil {
		return nil, err
	}
	s := &step{value: v, restore: op.metadata.Remember(v), commit: func() error { return nil }}

	typ := op.typ
	var state *tracking.State
	if typ == opSave {
		typ, state = saveType(v)
	}

	switch typ {
	case opCreate, opPut:
		err = s.preparePut(op, typ == opCreate, now)
	case opSave:
		err = s.prepareSave(op, state, now)
	case opUpdate:
		err = s.prepareUpdate(op, now)
	case opDelete:
		err = s.prepareDelete(op)
	default:
		err = s.prepareCheck(op, nil)
	}
	if err != nil {
		s.rollback()
		return nil, err
	}
	return s, nil
}

// saveType picks the operation Save stands for, given the tracking state of v.
func saveType(v reflect.Value) (operationType, *tracking.State) {
	state, tracked := tracking.Of(v.Addr().Interface())
	switch {
	case !tracked:
		return opPut, nil
	case state.IsNew():
		return opCreate, nil
	default:
		return opSave, state
	}
}

func (s *step) preparePut(op operation, create bool, now time.Time) error {
	if create {
		op.metadata.PrepareCreate(s.value, now)
	} else {
		op.metadata.PreparePut(s.value, now)
	}
	item, err := op.metadata.MarshalValue(s.value)
	if err != nil {
		return err
	}
	if s.key, err = op.metadata.KeyOf(s.value.Addr().Interface()); err != nil {
		return err
	}

	builder := expr.NewBuilder()
	if create {
		if err := builder.AddConditionExpression(op.metadata.PrimaryKey.PartitionKey.DBName, expr.OpNotExists); err != nil {
			return err
		}
	}
	components, err := conditionComponents(op, builder)
	if err != nil {
		return err
	}

	s.item = types.TransactWriteItem{Put: &types.Put{
		TableName:                 aws.String(op.table),
		Item:                      item,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	}}
	s.commit = func() error { return op.metadata.MarkPersisted(s.value) }
	return nil
}

func (s *step) prepareSave(op operation, state *tracking.State, now time.Time) error {
	current, err := op.metadata.MarshalValue(s.value)
	if err != nil {
		return err
	}
	changes := state.Changes(current)
	for _, name := range op.metadata.KeyAttributes() {
		if changes.Changed(name) {
			return fmt.Errorf("%w: %s changed since the model was loaded", customerrors.ErrInvalidPrimaryKey, name)
		}
	}
	if len(changes) == 0 {
		return s.prepareCheck(op, state)
	}

	op.metadata.Touch(s.value, now)
	builder := expr.NewBuilder()
	if err := s.guardVersion(op, builder, state, true); err != nil {
		return err
	}
	if current, err = op.metadata.MarshalValue(s.value); err != nil {
		return err
	}
	changes = state.Changes(current)
	for _, name := range changes.Updated() {
		builder.AddUpdateSet(name, current[name])
	}
	for _, name := range changes.Removed() {
		builder.AddUpdateRemove(name)
	}

	s.key = op.metadata.ExtractKey(current)
	if err := s.setUpdate(op, builder); err != nil {
		return err
	}
	s.commit = func() error {
		state.MarkClean(current)
		return nil
	}
	return nil
}

func (s *step) prepareUpdate(op operation, now time.Time) error {
	key, err := op.metadata.KeyOf(s.value.Addr().Interface())
	if err != nil {
		return err
	}
	s.key = key

	op.metadata.Touch(s.value, now)
	builder := expr.NewBuilder()
	state, _ := tracking.Of(s.value.Addr().Interface())
	if err := s.guardVersion(op, builder, state, true); err != nil {
		return err
	}

	current, err := op.metadata.MarshalValue(s.value)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(op.fields)+2)
	for _, field := range op.fields {
		f, _ := op.metadata.Field(field)
		if f.IsPK || f.IsSK {
			return fmt.Errorf("%w: key attribute %s cannot be updated", customerrors.ErrInvalidPrimaryKey, f.DBName)
		}
		names = append(names, f.DBName)
	}
	if f := op.metadata.UpdatedAtField; f != nil {
		names = append(names, f.DBName)
	}
	if f := op.metadata.VersionField; f != nil && s.versioned {
		names = append(names, f.DBName)
	}
	for _, name := range names {
		if av, ok := current[name]; ok {
			builder.AddUpdateSet(name, av)
		} else {
			builder.AddUpdateRemove(name)
		}
	}

	if err := s.setUpdate(op, builder); err != nil {
		return err
	}
	s.commit = func() error {
		if state != nil && state.Status() == tracking.StatusClean {
			snapshot := state.Snapshot()
			for _, name := range names {
				if av, ok := current[name]; ok {
					snapshot[name] = av
				} else {
					delete(snapshot, name)
				}
			}
			state.MarkClean(snapshot)
		}
		return nil
	}
	return nil
}

// guardVersion adds the optimistic lock on the version attribute and, when bump
// is set, increments the version of the model.
func (s *step) guardVersion(op operation, builder *expr.Builder, state *tracking.State, bump bool) error {
	f := op.metadata.VersionField
	if f == nil {
		return nil
	}

	var previous types.AttributeValue
	if state != nil && state.Status() == tracking.StatusClean {
		previous, _ = state.SnapshotValue(f.DBName)
	}
	current, _ := op.metadata.Version(s.value)
	if previous == nil && current > 0 && (state == nil || !state.IsDeleted()) {
		previous = numberValue(current)
	}
	if previous == nil {
		return nil
	}

	if err := builder.AddConditionExpression(f.DBName, expr.OpEqual, previous); err != nil {
		return err
	}
	if bump {
		op.metadata.SetVersion(s.value, current+1)
	}
	s.versioned = true
	return nil
}

func (s *step) setUpdate(op operation, builder *expr.Builder) error {
	if err := builder.AddConditionExpression(op.metadata.PrimaryKey.PartitionKey.DBName, expr.OpExists); err != nil {
		return err
	}
	components, err := conditionComponents(op, builder)
	if err != nil {
		return err
	}
	s.item = types.TransactWriteItem{Update: &types.Update{
		TableName:                 aws.String(op.table),
		Key:                       s.key,
		UpdateExpression:          components.UpdateExpression,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	}}
	return nil
}

func (s *step) prepareDelete(op operation) error {
	key, err := op.metadata.KeyOf(s.value.Addr().Interface())
	if err != nil {
		return err
	}
	s.key = key

	builder := expr.NewBuilder()
	if state, ok := tracking.Of(s.value.Addr().Interface()); ok && state.Status() == tracking.StatusClean {
		if err := s.guardVersion(op, builder, state, false); err != nil {
			return err
		}
	}
	components, err := conditionComponents(op, builder)
	if err != nil {
		return err
	}

	s.item = types.TransactWriteItem{Delete: &types.Delete{
		TableName:                 aws.String(op.table),
		Key:                       key,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	}}
	s.commit = func() error {
		op.metadata.MarkDeleted(s.value)
		return nil
	}
	return nil
}

// prepareCheck builds a ConditionCheck. A clean tracked model is also checked
// against its loaded version.
func (s *step) prepareCheck(op operation, state *tracking.State) error {
	key, err := op.metadata.KeyOf(s.value.Addr().Interface())
	if err != nil {
		return err
	}
	s.key = key

	builder := expr.NewBuilder()
	if state != nil {
		if err := s.guardVersion(op, builder, state, false); err != nil {
			return err
		}
	}
	if len(op.conditions) == 0 {
		if err := builder.AddConditionExpression(op.metadata.PrimaryKey.PartitionKey.DBName, expr.OpExists); err != nil {
			return err
		}
	}
	components, err := conditionComponents(op, builder)
	if err != nil {
		return err
	}

	s.item = types.TransactWriteItem{ConditionCheck: &types.ConditionCheck{
		TableName:                 aws.String(op.table),
		Key:                       key,
		ConditionExpression:       components.ConditionExpression,
		ExpressionAttributeNames:  components.ExpressionAttributeNames,
		ExpressionAttributeValues: components.ExpressionAttributeValues,
	}}
	return nil
}

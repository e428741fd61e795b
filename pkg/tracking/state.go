// Package tracking implements shadow-copy dirty tracking for models.
//
// A model opts in by embedding State. After every load or persist the item image is
// copied into the state; comparing that snapshot with a fresh marshal of the struct
// yields the set of changed attributes. Dirtiness is computed, never stored, so plain
// field assignments are detected without setters.
//
// State is not safe for concurrent use; neither is the model that embeds it.
package tracking

import (
	"sort"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/theory-cloud/tablemodel/pkg/attr"
)

// Status is the persistence status of a tracked model.
type Status int

const (
	// StatusNew means the model has never been loaded or persisted.
	StatusNew Status = iota
	// StatusClean means a snapshot of the last known remote image exists.
	StatusClean
	// StatusDeleted means the model was deleted remotely.
	StatusDeleted
)

func (s Status) String() string {
	switch s {
	case StatusNew:
		return "new"
	case StatusClean:
		return "clean"
	case StatusDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Tracker is implemented by any struct embedding State.
type Tracker interface {
	TrackingState() *State
}

// State holds the snapshot for one model instance. The zero value is a new model.
type State struct {
	snapshot map[string]types.AttributeValue
	status   Status
}

// TrackingState exposes the embedded state.
func (s *State) TrackingState() *State { return s }

// Of returns the state embedded in model, if any.
func Of(model any) (*State, bool) {
	tracker, ok := model.(Tracker)
	if !ok {
		return nil, false
	}
	state := tracker.TrackingState()
	return state, state != nil
}

// Status reports the persistence status.
func (s *State) Status() Status { return s.status }

// IsNew reports whether the model has never been persisted, or was deleted since.
func (s *State) IsNew() bool { return s.status != StatusClean }

// IsDeleted reports whether the model was deleted.
func (s *State) IsDeleted() bool { return s.status == StatusDeleted }

// MarkClean records item as the last known remote image.
func (s *State) MarkClean(item map[string]types.AttributeValue) {
	s.snapshot = attr.CloneMap(item)
	if s.snapshot == nil {
		s.snapshot = map[string]types.AttributeValue{}
	}
	s.status = StatusClean
}

// MarkDeleted drops the snapshot after a successful delete.
func (s *State) MarkDeleted() {
	s.snapshot = nil
	s.status = StatusDeleted
}

// Reset returns the state to new.
func (s *State) Reset() {
	s.snapshot = nil
	s.status = StatusNew
}

// Snapshot returns a copy of the last known remote image, or nil when there is none.
func (s *State) Snapshot() map[string]types.AttributeValue {
	return attr.CloneMap(s.snapshot)
}

// SnapshotValue returns one attribute of the snapshot without copying the whole image.
func (s *State) SnapshotValue(name string) (types.AttributeValue, bool) {
	av, ok := s.snapshot[name]
	return av, ok
}

// Changes compares the current image with the snapshot. A model without a clean
// snapshot reports every current attribute as added.
func (s *State) Changes(current map[string]types.AttributeValue) ChangeSet {
	if s == nil || s.status != StatusClean {
		return Diff(nil, current)
	}
	return Diff(s.snapshot, current)
}

// IsDirty reports whether current differs from the snapshot.
func (s *State) IsDirty(current map[string]types.AttributeValue) bool {
	if s == nil || s.status != StatusClean {
		return true
	}
	return !attr.MapsEqual(s.snapshot, current)
}

// Change describes one attribute difference. A nil Old means added, a nil New means removed.
type Change struct {
	Old types.AttributeValue
	New types.AttributeValue
}

// Removed reports whether the attribute disappeared from the current image.
func (c Change) Removed() bool { return c.New == nil }

// ChangeSet maps attribute names to their change.
type ChangeSet map[string]Change

// Changed reports whether name has a pending change.
func (c ChangeSet) Changed(name string) bool {
	_, ok := c[name]
	return ok
}

// Attributes lists the changed attribute names in sorted order.
func (c ChangeSet) Attributes() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Updated returns the names whose new value must be written, sorted.
func (c ChangeSet) Updated() []string {
	names := make([]string, 0, len(c))
	for name, change := range c {
		if !change.Removed() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Removed returns the names that must be removed, sorted.
func (c ChangeSet) Removed() []string {
	names := make([]string, 0, len(c))
	for name, change := range c {
		if change.Removed() {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// Diff compares two item images.
func Diff(before, after map[string]types.AttributeValue) ChangeSet {
	changes := make(ChangeSet)
	for name, newValue := range after {
		oldValue, existed := before[name]
		if existed && attr.Equal(oldValue, newValue) {
			continue
		}
		changes[name] = Change{Old: oldValue, New: newValue}
	}
	for name, oldValue := range before {
		if _, ok := after[name]; !ok {
			changes[name] = Change{Old: oldValue}
		}
	}
	return changes
}

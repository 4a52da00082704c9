package audit

import (
	"reflect"
	"time"
)

// Failure marks drafts produced while the tracked operation was failing
type Failure struct {
	Message string
	Stack   string
}

// TrackContext is shared by every entry produced from one Track call
type TrackContext struct {
	TableName string
	RecordID  string
	Actor     Actor
	Tenancy   TenancyContext
	// Trigger defaults to USER_ACTION
	Trigger     Trigger
	Reason      string
	Description string
	Request     RequestMetadata
	Failure     *Failure
}

func (tc TrackContext) draft(field string, action Action, oldValue, newValue interface{}) HistoryEntry {
	trigger := tc.Trigger
	if trigger == "" {
		trigger = TriggerUserAction
	}

	e := HistoryEntry{
		TableName:       tc.TableName,
		RecordID:        tc.RecordID,
		FieldName:       field,
		Action:          action,
		Trigger:         trigger,
		Actor:           tc.Actor,
		TenancyContext:  tc.Tenancy,
		OldValue:        oldValue,
		NewValue:        newValue,
		Reason:          optional(tc.Reason),
		Description:     optional(tc.Description),
		RequestMetadata: tc.Request,
	}
	if tc.Failure != nil {
		e.IsError = true
		e.ErrorMessage = optional(tc.Failure.Message)
		e.ErrorStack = optional(tc.Failure.Stack)
	}
	return e
}

// TrackCreate emits one CREATE draft per field of after, in key order, with a
// null old value.
func TrackCreate(tc TrackContext, after *Snapshot) []HistoryEntry {
	entries := make([]HistoryEntry, 0, after.Len())
	for _, key := range after.Keys() {
		v, _ := after.Get(key)
		entries = append(entries, tc.draft(key, ActionCreate, nil, v))
	}
	return entries
}

// TrackUpdate emits one UPDATE draft for every key of after whose value is not
// strictly equal to the value under the same key in before. Keys only present
// in before are ignored; keys missing from before always count as changed.
func TrackUpdate(tc TrackContext, before, after *Snapshot) []HistoryEntry {
	entries := make([]HistoryEntry, 0)
	for _, key := range after.Keys() {
		newValue, _ := after.Get(key)
		oldValue, existed := before.Get(key)
		if existed && strictEqual(oldValue, newValue) {
			continue
		}
		entries = append(entries, tc.draft(key, ActionUpdate, oldValue, newValue))
	}
	return entries
}

// TrackDelete emits one DELETE draft per field of before, in key order, with a
// null new value.
func TrackDelete(tc TrackContext, before *Snapshot) []HistoryEntry {
	entries := make([]HistoryEntry, 0, before.Len())
	for _, key := range before.Keys() {
		v, _ := before.Get(key)
		entries = append(entries, tc.draft(key, ActionDelete, v, nil))
	}
	return entries
}

// strictEqual compares by identity, never by structure. Scalars compare by
// value; maps, slices, pointers, funcs and channels are equal only when they
// share the same underlying reference. time.Time compares by instant.
func strictEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}

	if ta, ok := a.(time.Time); ok {
		return ta.Equal(b.(time.Time))
	}

	switch va.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Func, reflect.Chan, reflect.UnsafePointer:
		return va.Pointer() == vb.Pointer()
	case reflect.Slice:
		return va.Pointer() == vb.Pointer() && va.Len() == vb.Len()
	}

	if !va.Type().Comparable() {
		return false
	}
	return comparableEqual(a, b)
}

// comparableEqual guards against structs or arrays holding incomparable
// interface values, which panic under ==.
func comparableEqual(a, b interface{}) (equal bool) {
	defer func() {
		if recover() != nil {
			equal = false
		}
	}()
	return a == b
}

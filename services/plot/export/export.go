// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package export allocates stable integer handles for objects that travel
// out-of-band alongside a serialized chart payload.
//
// A payload never embeds a table. It embeds the index of a Reference, and the
// transport delivers the referenced objects as an ordered list next to the
// payload bytes. Index i in that list is the object referenced by value i.
//
// # Lifetime
//
// A Table is scoped to a single serialization pass. Create a new one for
// every message; indices are only meaningful relative to the object list sent
// in the same message.
//
// # Thread Safety
//
// Table is not safe for concurrent use. It is created, filled and discarded
// by one goroutine.
package export

import "reflect"

// Reference is a stable handle for an exported object.
type Reference struct {
	// Index is the 0-based position of Target in Table.Objects.
	Index int `json:"index"`

	// Target is the referenced object.
	Target any `json:"-"`
}

// Table maps object identity to Reference.
//
// Description:
//
//	Identity is Go equality on the interface value, so pointers compare by
//	address and two structurally equal tables are still two references.
//	Slices and maps have no == and are identified by their backing storage.
//	Other values that cannot be compared, such as a struct holding a
//	slice, are matched with reflect.DeepEqual.
type Table struct {
	refs    map[any]Reference
	shared  map[storage]Reference
	values  []Reference
	objects []any
}

// storage identifies the backing array of a slice or the header of a map.
type storage struct {
	typ reflect.Type
	ptr uintptr
	len int
}

// NewTable creates an empty reference table.
func NewTable() *Table {
	return &Table{
		refs:   make(map[any]Reference),
		shared: make(map[storage]Reference),
	}
}

// Reference returns the handle for obj, allocating the next index when obj
// has not been seen by this table.
//
// Inputs:
//
//	obj - The object to export. Any value, including nil.
//
// Outputs:
//
//	Reference - The existing or newly allocated reference.
func (t *Table) Reference(obj any) Reference {
	if obj == nil || reflect.ValueOf(obj).Comparable() {
		if ref, ok := t.refs[obj]; ok {
			return ref
		}
		ref := t.next(obj)
		t.refs[obj] = ref
		return ref
	}

	v := reflect.ValueOf(obj)
	switch v.Kind() {
	case reflect.Slice, reflect.Map:
		key := storage{typ: v.Type(), ptr: v.Pointer(), len: v.Len()}
		if ref, ok := t.shared[key]; ok {
			return ref
		}
		ref := t.next(obj)
		t.shared[key] = ref
		return ref
	}

	for _, ref := range t.values {
		if reflect.DeepEqual(ref.Target, obj) {
			return ref
		}
	}
	ref := t.next(obj)
	t.values = append(t.values, ref)
	return ref
}

func (t *Table) next(obj any) Reference {
	ref := Reference{Index: len(t.objects), Target: obj}
	t.objects = append(t.objects, obj)
	return ref
}

// Objects returns every referenced object in allocation order.
//
// The returned slice is a copy.
func (t *Table) Objects() []any {
	out := make([]any, len(t.objects))
	copy(out, t.objects)
	return out
}

// Len returns the number of distinct referenced objects.
func (t *Table) Len() int {
	return len(t.objects)
}

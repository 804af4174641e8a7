// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package export

import (
	"errors"
	"fmt"
)

// ErrUnexportable is returned when a referenced object has no wire identity.
var ErrUnexportable = errors.New("object cannot be exported")

// Ticket is implemented by objects the transport can hand to a remote peer.
type Ticket interface {
	// ExportID is the server-side identity a peer uses to fetch the object.
	ExportID() string

	// ExportType names the kind of object (e.g. "Table").
	ExportType() string
}

// Descriptor is the wire form of one exported object.
type Descriptor struct {
	Index int    `json:"index"`
	ID    string `json:"id"`
	Type  string `json:"type"`
}

// Describe converts an ordered object list into wire descriptors.
//
// Description:
//
//	Position is preserved, so descriptor i describes objects[i]. The first
//	object that does not implement Ticket fails the whole list; nothing is
//	silently dropped, since a gap would shift every later index.
func Describe(objects []any) ([]Descriptor, error) {
	out := make([]Descriptor, 0, len(objects))
	for i, obj := range objects {
		ticket, ok := obj.(Ticket)
		if !ok {
			return nil, fmt.Errorf("%w: reference %d (%T)", ErrUnexportable, i, obj)
		}
		out = append(out, Descriptor{
			Index: i,
			ID:    ticket.ExportID(),
			Type:  ticket.ExportType(),
		})
	}
	return out, nil
}

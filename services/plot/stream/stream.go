// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package stream defines the bidirectional message primitive that carries
// chart payloads and their out-of-band references to a remote peer.
package stream

//go:generate mockgen -copyright_file=../../../LICENSE_HEADER -package stream -source stream.go -destination stream_mock.go

// MessageStream is one direction of a peer connection.
//
// A message is a byte payload plus an ordered reference list. Index i in
// references is the object a payload refers to by reference index i.
type MessageStream interface {
	// OnData delivers one message. Implementations must not retain
	// payload after returning.
	OnData(payload []byte, references []any) error

	// OnClose signals that no further messages will be delivered.
	OnClose()
}

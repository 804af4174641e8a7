// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package chart defines the chart payload: one immutable revision of a
// figure description together with the links from table columns to its
// visual properties.
//
// # Wire Format
//
// A payload serializes to
//
//	{
//	  "plotly": <figure description, passed through>,
//	  "deephaven": {
//	    "mappings": [{"table": 0, "data_columns": {"Price": "y"}, "trace_index": 0}],
//	    "is_user_set_template": false,
//	    "is_user_set_color": false
//	  }
//	}
//
// and every "table" value indexes the reference list produced by the same
// export.Table. Unsolicited pushes wrap the document in an Envelope tagged
// NEW_FIGURE.
package chart

import (
	"encoding/json"
	"errors"
	"slices"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/mapping"
)

// MessageNewFigure tags an unsolicited figure push.
const MessageNewFigure = "NEW_FIGURE"

// ErrInvalidSpec is returned when the figure description is not valid JSON.
var ErrInvalidSpec = errors.New("figure description is not valid JSON")

// Payload is one revision of a chart.
//
// Thread Safety: Immutable after NewPayload; safe for concurrent reads.
type Payload struct {
	spec     json.RawMessage
	call     Call
	args     Args
	mappings []*mapping.DataMapping

	userTemplate bool
	userColor    bool
	subplots     bool
}

// Option configures a Payload.
type Option func(*payloadConfig)

type payloadConfig struct {
	template bool
	color    bool
	subplots bool
}

// WithUserTemplate marks the template as user-set. False defers to args.
func WithUserTemplate(set bool) Option {
	return func(c *payloadConfig) {
		c.template = set
	}
}

// WithUserColor marks the colour sequence as user-set. False defers to args.
func WithUserColor(set bool) Option {
	return func(c *payloadConfig) {
		c.color = set
	}
}

// WithSubplots marks the payload as a subplot grid.
func WithSubplots() Option {
	return func(c *payloadConfig) {
		c.subplots = true
	}
}

// NewPayload creates a chart revision.
//
// Description:
//
//	The user-set flags are fixed here. An explicit true option wins;
//	otherwise each flag is derived from args by UserSetTemplate and
//	UserSetColor, so omitting an option and passing false are equivalent.
//
// Inputs:
//
//	spec - The renderer's figure description. Copied.
//	call - The construction function that produced it. May be nil for
//	  composites that cannot be recomputed.
//	args - The construction arguments. Stored as given; callers pass a
//	  record they no longer mutate.
//	mappings - Column links, one per trace. Copied.
func NewPayload(spec json.RawMessage, call Call, args Args, mappings []*mapping.DataMapping, opts ...Option) *Payload {
	cfg := payloadConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Payload{
		spec:         slices.Clone(spec),
		call:         call,
		args:         args,
		mappings:     slices.Clone(mappings),
		userTemplate: cfg.template || UserSetTemplate(args),
		userColor:    cfg.color || UserSetColor(args),
		subplots:     cfg.subplots,
	}
}

// Document is the serialized form of a payload.
type Document struct {
	Plotly    json.RawMessage `json:"plotly"`
	Deephaven Linkage         `json:"deephaven"`
}

// Linkage carries the column links and styling flags.
type Linkage struct {
	Mappings          []mapping.Link `json:"mappings"`
	IsUserSetTemplate bool           `json:"is_user_set_template"`
	IsUserSetColor    bool           `json:"is_user_set_color"`
}

// Envelope wraps a Document for a push.
type Envelope struct {
	Type   string   `json:"type"`
	Figure Document `json:"figure"`
}

// Document builds the wire document, registering every mapped table in refs.
//
// Outputs:
//
//	Document - Mappings is never nil, so an unmapped payload emits [].
//	error - ErrInvalidSpec if the figure description is malformed.
func (p *Payload) Document(refs *export.Table) (Document, error) {
	spec := p.spec
	if len(spec) == 0 {
		spec = json.RawMessage(`{}`)
	}
	if !json.Valid(spec) {
		return Document{}, ErrInvalidSpec
	}

	links := make([]mapping.Link, 0, len(p.mappings))
	for _, m := range p.mappings {
		links = append(links, m.Links(refs)...)
	}

	return Document{
		Plotly: spec,
		Deephaven: Linkage{
			Mappings:          links,
			IsUserSetTemplate: p.userTemplate,
			IsUserSetColor:    p.userColor,
		},
	}, nil
}

// Serialize encodes the wire document.
func (p *Payload) Serialize(refs *export.Table) ([]byte, error) {
	doc, err := p.Document(refs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(doc)
}

// Envelope encodes the document wrapped as a NEW_FIGURE push.
func (p *Payload) Envelope(refs *export.Table) ([]byte, error) {
	doc, err := p.Document(refs)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: MessageNewFigure, Figure: doc})
}

// CopyMappings returns every mapping shifted by offset.
func (p *Payload) CopyMappings(offset int) []*mapping.DataMapping {
	return mapping.CopyAll(p.mappings, offset)
}

// Spec returns a copy of the figure description.
func (p *Payload) Spec() json.RawMessage { return slices.Clone(p.spec) }

// Call returns the construction function.
func (p *Payload) Call() Call { return p.call }

// Args returns a deep copy of the construction arguments.
func (p *Payload) Args() (Args, error) { return p.args.Clone() }

// Mappings returns the column links. The slice is a copy.
func (p *Payload) Mappings() []*mapping.DataMapping { return slices.Clone(p.mappings) }

// HasUserTemplate reports the user-set template flag.
func (p *Payload) HasUserTemplate() bool { return p.userTemplate }

// HasUserColor reports the user-set colour flag.
func (p *Payload) HasUserColor() bool { return p.userColor }

// HasSubplots reports whether the payload is a subplot grid.
func (p *Payload) HasSubplots() bool { return p.subplots }

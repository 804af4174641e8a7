// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/AleutianAI/AleutianPlot/services/plot/export"
	"github.com/AleutianAI/AleutianPlot/services/plot/figure"
	"github.com/AleutianAI/AleutianPlot/services/plot/session"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// FigureSummary describes one figure in the listing.
type FigureSummary struct {
	Name      string `json:"name"`
	Revision  uint64 `json:"revision"`
	Live      bool   `json:"live"`
	Connected bool   `json:"connected"`
}

// FigureResponse is the body of GET /v1/plot/figures/:name.
type FigureResponse struct {
	Name       string              `json:"name"`
	Revision   uint64              `json:"revision"`
	Figure     json.RawMessage     `json:"figure"`
	References []export.Descriptor `json:"references"`
}

// TableSummary describes one table in the listing.
type TableSummary struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	Rows    int      `json:"rows"`
}

func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func abortError(c *gin.Context, status int, err error) {
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error()})
}

func (s *Server) handleListFigures(c *gin.Context) {
	figs := s.catalog.Figures()
	out := make([]FigureSummary, 0, len(figs))
	for _, f := range figs {
		l := f.Listener()
		out = append(out, FigureSummary{
			Name:      f.Name(),
			Revision:  f.Revision(),
			Live:      l != nil,
			Connected: l != nil && l.Connected(),
		})
	}
	c.JSON(http.StatusOK, gin.H{"figures": out})
}

func (s *Server) figure(c *gin.Context) (*figure.Figure, session.Type, bool) {
	name := c.Param("name")
	f, ok := s.catalog.Figure(name)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "figure not found", "name": name})
		return nil, nil, false
	}
	t, ok := s.registry.ForObject(f)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "no object type for figure", "name": name})
		return nil, nil, false
	}
	return f, t, true
}

func (s *Server) handleGetFigure(c *gin.Context) {
	f, t, ok := s.figure(c)
	if !ok {
		return
	}
	revision := f.Revision()
	doc, objects, err := t.ToBytes(f)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	descriptors, err := export.Describe(objects)
	if err != nil {
		abortError(c, http.StatusInternalServerError, err)
		return
	}
	s.catalog.remember(f.Name(), objects)

	c.JSON(http.StatusOK, FigureResponse{
		Name:       f.Name(),
		Revision:   revision,
		Figure:     doc,
		References: descriptors,
	})
}

func (s *Server) handleFigureSession(c *gin.Context) {
	f, t, ok := s.figure(c)
	if !ok {
		return
	}
	bidi, ok := t.(session.Bidirectional)
	if !ok || f.Listener() == nil {
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "figure is not live", "name": f.Name()})
		return
	}

	ws, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Warn("websocket upgrade failed",
			slog.String("figure", f.Name()),
			slog.String("error", err.Error()),
		)
		return
	}

	logger := s.logger.With(
		slog.String("figure", f.Name()),
		slog.String("session_id", uuid.NewString()),
		slog.String("remote", c.Request.RemoteAddr),
	)
	logger.Info("figure websocket connected")

	err = session.Serve(c.Request.Context(), ws, bidi, f, s.catalog.Resolve,
		session.WithWriteTimeout(s.writeTimeout),
		session.WithReadLimit(s.readLimit),
		session.WithInboundRate(s.inboundRate, s.inboundBurst),
		session.WithStreamLogger(logger),
	)
	if err != nil {
		logger.Warn("figure websocket ended with error", slog.String("error", err.Error()))
		return
	}
	logger.Info("figure websocket closed")
}

func (s *Server) handleListTables(c *gin.Context) {
	tables := s.catalog.Tables()
	out := make([]TableSummary, 0, len(tables))
	for _, t := range tables {
		out = append(out, TableSummary{ID: t.ID(), Name: t.Name(), Columns: t.Columns(), Rows: t.Size()})
	}
	c.JSON(http.StatusOK, gin.H{"tables": out})
}

func (s *Server) handleGetTable(c *gin.Context) {
	id := c.Param("id")
	t, ok := s.catalog.Table(id)
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "table not found", "id": id})
		return
	}
	c.JSON(http.StatusOK, t.Snapshot())
}

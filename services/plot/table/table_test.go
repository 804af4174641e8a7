// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package table

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPrices(t *testing.T) *Table {
	t.Helper()
	tbl, err := New("prices", "Sym", "Price")
	require.NoError(t, err)
	return tbl
}

func TestNew_Validation(t *testing.T) {
	_, err := New("empty")
	assert.ErrorIs(t, err, ErrNoColumns)

	_, err = New("dup", "a", "a")
	assert.Error(t, err)
}

func TestAppend_NotifiesWithSize(t *testing.T) {
	tbl := newPrices(t)

	var got []Update
	_, err := tbl.Subscribe(func(_ context.Context, u Update, isReplay bool) error {
		assert.False(t, isReplay)
		got = append(got, u)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(context.Background(), Row{"AAPL", 1.0}, Row{"MSFT", 2.0}))
	require.NoError(t, tbl.Append(context.Background(), Row{"AAPL", 1.5}))

	require.Len(t, got, 2)
	assert.Equal(t, UpdateAppend, got[0].Kind)
	assert.Equal(t, 2, got[0].Added)
	assert.Equal(t, 3, got[1].Size)
	assert.Equal(t, tbl.ID(), got[1].Source)
	assert.Equal(t, 3, tbl.Size())
}

func TestAppend_RejectsMalformedRow(t *testing.T) {
	tbl := newPrices(t)

	err := tbl.Append(context.Background(), Row{"AAPL", 1.0}, Row{"bad"})

	assert.ErrorIs(t, err, ErrColumnCount)
	assert.Equal(t, 0, tbl.Size(), "no row stored when any row is malformed")
}

func TestAppend_EmptyIsNoop(t *testing.T) {
	tbl := newPrices(t)
	calls := 0
	_, err := tbl.Subscribe(func(context.Context, Update, bool) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tbl.Append(context.Background()))
	assert.Zero(t, calls)
}

func TestReplace(t *testing.T) {
	tbl := newPrices(t)
	require.NoError(t, tbl.Append(context.Background(), Row{"A", 1}, Row{"B", 2}))

	var last Update
	_, err := tbl.Subscribe(func(_ context.Context, u Update, _ bool) error {
		last = u
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, tbl.Replace(context.Background(), []Row{{"C", 3}}))

	assert.Equal(t, UpdateReplace, last.Kind)
	assert.Equal(t, 2, last.Removed)
	assert.Equal(t, 1, last.Added)
	assert.Equal(t, []Row{{"C", 3}}, tbl.Snapshot().Rows)
}

func TestSnapshot_IsACopy(t *testing.T) {
	tbl := newPrices(t)
	row := Row{"AAPL", 1.0}
	require.NoError(t, tbl.Append(context.Background(), row))

	row[1] = 99.0
	snap := tbl.Snapshot()
	snap.Rows[0][0] = "changed"

	assert.Equal(t, Row{"AAPL", 1.0}, tbl.Snapshot().Rows[0])
	assert.Equal(t, []string{"Sym", "Price"}, snap.Columns)
}

func TestSubscribe_Replay(t *testing.T) {
	tbl := newPrices(t)
	require.NoError(t, tbl.Append(context.Background(), Row{"A", 1}))

	var replayed []Update
	_, err := tbl.Subscribe(func(_ context.Context, u Update, isReplay bool) error {
		if isReplay {
			replayed = append(replayed, u)
		}
		return nil
	}, WithReplay())
	require.NoError(t, err)

	require.Len(t, replayed, 1)
	assert.Equal(t, UpdateSnapshot, replayed[0].Kind)
	assert.Equal(t, 1, replayed[0].Size)
}

func TestSubscribe_ReplayErrorCancels(t *testing.T) {
	tbl := newPrices(t)
	boom := errors.New("boom")

	sub, err := tbl.Subscribe(func(context.Context, Update, bool) error {
		return boom
	}, WithReplay())

	assert.ErrorIs(t, err, boom)
	assert.Nil(t, sub)
	assert.Zero(t, tbl.SubscriberCount())
}

func TestSubscription_Close(t *testing.T) {
	tbl := newPrices(t)
	calls := 0
	sub, err := tbl.Subscribe(func(context.Context, Update, bool) error {
		calls++
		return nil
	})
	require.NoError(t, err)

	sub.Close()
	sub.Close()

	require.NoError(t, tbl.Append(context.Background(), Row{"A", 1}))
	assert.Zero(t, calls)
	assert.Zero(t, tbl.SubscriberCount())
}

func TestDispatch_JoinsErrorsAndRecoversPanics(t *testing.T) {
	tbl := newPrices(t)
	boom := errors.New("recompute failed")

	reached := false
	_, err := tbl.Subscribe(func(context.Context, Update, bool) error { return boom })
	require.NoError(t, err)
	_, err = tbl.Subscribe(func(context.Context, Update, bool) error { panic("bad handler") })
	require.NoError(t, err)
	_, err = tbl.Subscribe(func(context.Context, Update, bool) error {
		reached = true
		return nil
	})
	require.NoError(t, err)

	err = tbl.Append(context.Background(), Row{"A", 1})

	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "panicked")
	assert.True(t, reached, "later subscribers still notified")
	assert.Equal(t, 1, tbl.Size(), "data change stands even when a subscriber fails")
}

func TestDispatch_SubscriptionOrder(t *testing.T) {
	tbl := newPrices(t)
	var order []int
	for i := 0; i < 5; i++ {
		_, err := tbl.Subscribe(func(context.Context, Update, bool) error {
			order = append(order, i)
			return nil
		})
		require.NoError(t, err)
	}

	require.NoError(t, tbl.Append(context.Background(), Row{"A", 1}))
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestAppend_Concurrent(t *testing.T) {
	tbl := newPrices(t)
	var notified atomic.Int64
	_, err := tbl.Subscribe(func(context.Context, Update, bool) error {
		notified.Add(1)
		return nil
	})
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = tbl.Append(context.Background(), Row{"A", float64(i)})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, tbl.Size())
	assert.Equal(t, int64(50), notified.Load())
}

func TestColumnIndex(t *testing.T) {
	tbl := newPrices(t)

	i, err := tbl.ColumnIndex("Price")
	require.NoError(t, err)
	assert.Equal(t, 1, i)

	_, err = tbl.ColumnIndex("Volume")
	assert.ErrorIs(t, err, ErrUnknownColumn)
	assert.True(t, tbl.HasColumn("Sym"))
	assert.False(t, tbl.HasColumn("Volume"))
}

func TestUpdateKind_String(t *testing.T) {
	assert.Equal(t, "append", UpdateAppend.String())
	assert.Equal(t, "repartition", UpdateRepartition.String())
	assert.Equal(t, "UpdateKind(42)", UpdateKind(42).String())
}

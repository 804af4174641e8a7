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
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// Subscription is a live registration on a Source.
type Subscription struct {
	// ID uniquely identifies this subscription.
	ID string

	seq      uint64
	handler  Handler
	notifier *notifier
	once     sync.Once
}

// Close removes the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		s.notifier.unsubscribe(s.ID)
	})
}

// SubscribeOption configures a subscription.
type SubscribeOption func(*subscribeConfig)

type subscribeConfig struct {
	replay bool
}

// WithReplay delivers the current state once, as an UpdateSnapshot with
// isReplay set, before Subscribe returns.
func WithReplay() SubscribeOption {
	return func(c *subscribeConfig) {
		c.replay = true
	}
}

// notifier fans change notifications out to subscribers in subscription
// order.
//
// Thread Safety: notifier is safe for concurrent use. Handlers are invoked
// without the notifier lock held, so a handler may subscribe or unsubscribe.
type notifier struct {
	mu            sync.RWMutex
	subscriptions map[string]*Subscription
	nextSeq       uint64
}

func newNotifier() *notifier {
	return &notifier{
		subscriptions: make(map[string]*Subscription),
	}
}

func (n *notifier) subscribe(handler Handler, replay Update, opts ...SubscribeOption) (*Subscription, error) {
	if handler == nil {
		return nil, errors.New("nil handler")
	}

	cfg := subscribeConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}

	n.mu.Lock()
	n.nextSeq++
	sub := &Subscription{
		ID:       uuid.NewString(),
		seq:      n.nextSeq,
		handler:  handler,
		notifier: n,
	}
	n.subscriptions[sub.ID] = sub
	n.mu.Unlock()

	if cfg.replay {
		if err := n.safeInvoke(context.Background(), sub, replay, true); err != nil {
			sub.Close()
			return nil, fmt.Errorf("replay: %w", err)
		}
	}
	return sub, nil
}

func (n *notifier) unsubscribe(id string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.subscriptions[id]; ok {
		delete(n.subscriptions, id)
		return true
	}
	return false
}

func (n *notifier) count() int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subscriptions)
}

// dispatch invokes every subscriber and joins their errors.
func (n *notifier) dispatch(ctx context.Context, update Update) error {
	n.mu.RLock()
	subs := make([]*Subscription, 0, len(n.subscriptions))
	for _, sub := range n.subscriptions {
		subs = append(subs, sub)
	}
	n.mu.RUnlock()

	sort.Slice(subs, func(i, j int) bool { return subs[i].seq < subs[j].seq })

	var errs []error
	for _, sub := range subs {
		if err := n.safeInvoke(ctx, sub, update, false); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// safeInvoke calls the handler, converting a panic into an error so one
// misbehaving subscriber cannot stop the others from being notified.
func (n *notifier) safeInvoke(ctx context.Context, sub *Subscription, update Update, isReplay bool) (err error) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("table subscriber panicked",
				"subscription_id", sub.ID,
				"update_kind", update.Kind.String(),
				"source", update.Source,
				"panic", r,
			)
			err = fmt.Errorf("subscriber %s panicked: %v", sub.ID, r)
		}
	}()
	return sub.handler(ctx, update, isReplay)
}

// SPDX-License-Identifier: MIT
// Copyright © 2024–2026 Alexander Demin

// Package dedup remembers which message identities a consumer session has
// already processed.
package dedup

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Option configures a Filter.
type Option func(*Filter)

// WithCapacity bounds every scope to the n most recently admitted
// identities. Older identities are forgotten and admitted again. Zero or
// less keeps every identity.
func WithCapacity(n int) Option {
	return func(f *Filter) {
		f.capacity = n
	}
}

// Filter tracks seen message identities per scope. Scopes are independent:
// the same identity may be admitted once in each.
type Filter struct {
	capacity int

	mu     sync.Mutex
	scopes map[string]set
}

// New returns an empty filter.
func New(opts ...Option) *Filter {
	f := &Filter{scopes: make(map[string]set)}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Admit reports whether id is new in scope and records it. A duplicate is
// reported as false and leaves the filter unchanged.
func (f *Filter) Admit(scope, id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scopes[scope]
	if !ok {
		s = f.newSet()
		f.scopes[scope] = s
	}

	return s.add(id)
}

// Reset forgets everything seen in scope.
func (f *Filter) Reset(scope string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.scopes, scope)
}

// Len returns how many identities scope currently remembers.
func (f *Filter) Len(scope string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	s, ok := f.scopes[scope]
	if !ok {
		return 0
	}

	return s.len()
}

func (f *Filter) newSet() set {
	if f.capacity <= 0 {
		return mapSet{}
	}

	c, err := lru.New[string, struct{}](f.capacity)
	if err != nil {
		// lru only rejects non-positive sizes.
		panic(err)
	}

	return lruSet{c}
}

type set interface {
	add(id string) bool
	len() int
}

type mapSet map[string]struct{}

func (s mapSet) add(id string) bool {
	if _, ok := s[id]; ok {
		return false
	}

	s[id] = struct{}{}

	return true
}

func (s mapSet) len() int { return len(s) }

type lruSet struct {
	c *lru.Cache[string, struct{}]
}

func (s lruSet) add(id string) bool {
	ok, _ := s.c.ContainsOrAdd(id, struct{}{})

	return !ok
}

func (s lruSet) len() int { return s.c.Len() }

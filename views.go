package main

import (
	"slices"
	"strings"
	"sync"
	"time"
)

// ChartPoint is one point on the quantity line chart
type ChartPoint struct {
	Name     string `json:"name"`
	Quantity int    `json:"quantity"`
}

// FilterItems returns the items whose id contains term, ignoring case.
// Order is preserved; an empty term returns every item.
func FilterItems(items []InventoryItem, term string) []InventoryItem {
	if term == "" {
		return append([]InventoryItem{}, items...)
	}
	needle := strings.ToLower(term)
	matched := []InventoryItem{}
	for _, item := range items {
		if strings.Contains(strings.ToLower(item.ID), needle) {
			matched = append(matched, item)
		}
	}
	return matched
}

// ChartData projects items to (name, quantity) pairs in the same order.
// No sorting or aggregation; the chart renderer gets exactly the snapshot.
func ChartData(items []InventoryItem) []ChartPoint {
	points := make([]ChartPoint, len(items))
	for i, item := range items {
		points[i] = ChartPoint{Name: item.ID, Quantity: item.Quantity}
	}
	return points
}

// Snapshot is the in-memory copy of the collection that views are served from.
// Replace swaps in a full re-fetch; Apply patches one mutation in place.
// Safe for concurrent use.
type Snapshot struct {
	mu       sync.RWMutex
	items    []InventoryItem
	loadedAt time.Time
}

// Replace discards the current contents and takes items wholesale
func (s *Snapshot) Replace(items []InventoryItem) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = slices.Clone(items)
	s.loadedAt = time.Now().UTC()
	s.observe()
}

// Apply patches a mutation into the snapshot:
//   - a written item replaces the entry with the same id, keeping its position
//   - a new id is appended at the end
//   - a deleted id is dropped
func (s *Snapshot) Apply(m Mutation) {
	if !m.Changed {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := slices.IndexFunc(s.items, func(item InventoryItem) bool { return item.ID == m.ID })
	switch {
	case m.Deleted || m.Item == nil:
		if idx >= 0 {
			s.items = slices.Delete(s.items, idx, idx+1)
		}
	case idx >= 0:
		s.items[idx] = *m.Item
	default:
		s.items = append(s.items, *m.Item)
	}
	s.observe()
}

// Items returns a copy of the current contents
func (s *Snapshot) Items() []InventoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]InventoryItem{}, s.items...)
}

func (s *Snapshot) Filter(term string) []InventoryItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return FilterItems(s.items, term)
}

func (s *Snapshot) Chart() []ChartPoint {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return ChartData(s.items)
}

// LoadedAt is when the last full re-fetch landed (zero before the first one)
func (s *Snapshot) LoadedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loadedAt
}

// observe refreshes the gauges; callers hold s.mu
func (s *Snapshot) observe() {
	units := 0
	for _, item := range s.items {
		units += item.Quantity
	}
	itemsTotal.Set(float64(len(s.items)))
	unitsTotal.Set(float64(units))
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestInventory(t *testing.T, policy ImagePolicy) (*Inventory, DocumentStore) {
	t.Helper()
	store := newMemoryStore()
	return NewInventory(store, InventoryOptions{ImagePolicy: policy}), store
}

func strPtr(s string) *string { return &s }

// mustList fails the test if ListAll errors
func mustList(t *testing.T, inv *Inventory) []InventoryItem {
	t.Helper()
	items, err := inv.ListAll(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	return items
}

// =============================================================================
// Add / Remove
// =============================================================================

func TestAdd_NewItem(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)

	m, err := inv.Add(context.Background(), "Widget", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !m.Created || !m.Changed || m.Deleted {
		t.Errorf("expected created mutation, got %+v", m)
	}

	items := mustList(t, inv)
	if len(items) != 1 {
		t.Fatalf("expected 1 item, got %d", len(items))
	}
	if items[0].ID != "Widget" || items[0].Quantity != 1 || items[0].Image != nil {
		t.Errorf("expected {Widget 1 nil}, got %+v", items[0])
	}
}

func TestAdd_Twice(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()

	inv.Add(ctx, "Widget", nil)
	m, err := inv.Add(ctx, "Widget", nil)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if m.Created {
		t.Error("second add should not report created")
	}
	if m.Item == nil || m.Item.Quantity != 2 {
		t.Errorf("expected quantity 2 in mutation, got %+v", m.Item)
	}

	items := mustList(t, inv)
	if len(items) != 1 || items[0].Quantity != 2 {
		t.Errorf("expected one Widget with quantity 2, got %+v", items)
	}
}

func TestAdd_TrimsName(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()

	inv.Add(ctx, "  Widget ", nil)
	m, _ := inv.Add(ctx, "Widget", nil)

	if m.ID != "Widget" || m.Item.Quantity != 2 {
		t.Errorf("expected surrounding whitespace to be ignored, got %+v", m)
	}
}

func TestRemove_AtQuantityOne(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()
	inv.Add(ctx, "Widget", nil)

	m, err := inv.Remove(ctx, "Widget")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if !m.Deleted || !m.Changed || m.Item != nil {
		t.Errorf("expected deleted mutation, got %+v", m)
	}
	if items := mustList(t, inv); len(items) != 0 {
		t.Errorf("expected Widget gone, got %+v", items)
	}
}

func TestRemove_AtQuantityTwo(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()
	inv.Add(ctx, "Widget", strPtr("data:image/png;base64,AAAA"))
	inv.Add(ctx, "Widget", nil)

	m, err := inv.Remove(ctx, "Widget")
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.Deleted || m.Item == nil || m.Item.Quantity != 1 {
		t.Errorf("expected quantity 1 after remove, got %+v", m)
	}

	items := mustList(t, inv)
	if len(items) != 1 || items[0].Quantity != 1 {
		t.Fatalf("expected Widget with quantity 1, got %+v", items)
	}
	if items[0].Image == nil || *items[0].Image != "data:image/png;base64,AAAA" {
		t.Errorf("expected image to survive the decrement, got %v", items[0].Image)
	}
}

func TestRemove_UnknownIsNoop(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()
	inv.Add(ctx, "Widget", nil)
	before := mustList(t, inv)

	m, err := inv.Remove(ctx, "Ghost")
	if err != nil {
		t.Fatalf("expected no error removing Ghost, got %v", err)
	}
	if m.Changed {
		t.Errorf("expected unchanged mutation, got %+v", m)
	}

	after := mustList(t, inv)
	if len(after) != len(before) || after[0] != before[0] {
		t.Errorf("expected listing unchanged, before %+v after %+v", before, after)
	}
}

func TestRemove_PreservesUnknownFields(t *testing.T) {
	inv, store := newTestInventory(t, ImagePreserve)
	ctx := context.Background()

	// A document written by another client with extra fields
	doc := `{"quantity":3,"image":null,"location":"shelf 4","tags":["blue"]}`
	if err := store.Set(ctx, "inventory", "Widget", []byte(doc)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	if _, err := inv.Remove(ctx, "Widget"); err != nil {
		t.Fatalf("remove: %v", err)
	}

	data, err := store.Get(ctx, "inventory", "Widget")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var stored map[string]any
	json.Unmarshal(data, &stored)
	if stored["quantity"] != float64(2) {
		t.Errorf("expected quantity 2, got %v", stored["quantity"])
	}
	if stored["location"] != "shelf 4" {
		t.Errorf("expected location to survive, got %v", stored["location"])
	}
	if _, ok := stored["tags"]; !ok {
		t.Error("expected tags to survive")
	}
}

func TestAddRemove_InvalidName(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()

	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"whitespace", "   \t"},
		{"slash", "a/b"},
		{"dot", "."},
		{"dotdot", ".."},
		{"invalid utf8", "\xff\xfe"},
		{"too long", strings.Repeat("x", maxItemNameBytes+1)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := inv.Add(ctx, tt.input, nil); !errors.Is(err, ErrInvalidItemName) {
				t.Errorf("add: expected ErrInvalidItemName, got %v", err)
			}
			if _, err := inv.Remove(ctx, tt.input); !errors.Is(err, ErrInvalidItemName) {
				t.Errorf("remove: expected ErrInvalidItemName, got %v", err)
			}
		})
	}

	if items := mustList(t, inv); len(items) != 0 {
		t.Errorf("expected nothing stored, got %+v", items)
	}
}

func TestAdd_MaxLengthNameAccepted(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	if _, err := inv.Add(context.Background(), strings.Repeat("x", maxItemNameBytes), nil); err != nil {
		t.Errorf("expected a %d byte name to be accepted, got %v", maxItemNameBytes, err)
	}
}

// =============================================================================
// Image policy
// =============================================================================

func TestAdd_ImagePolicy(t *testing.T) {
	const first = "data:image/png;base64,AAAA"
	const second = "data:image/png;base64,BBBB"

	tests := []struct {
		name   string
		policy ImagePolicy
		image  *string
		want   *string
	}{
		{"preserve keeps image when none given", ImagePreserve, nil, strPtr(first)},
		{"preserve replaces with a new image", ImagePreserve, strPtr(second), strPtr(second)},
		{"overwrite clears image when none given", ImageOverwrite, nil, nil},
		{"overwrite replaces with a new image", ImageOverwrite, strPtr(second), strPtr(second)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inv, _ := newTestInventory(t, tt.policy)
			ctx := context.Background()
			inv.Add(ctx, "Widget", strPtr(first))

			m, err := inv.Add(ctx, "Widget", tt.image)
			if err != nil {
				t.Fatalf("add: %v", err)
			}

			got := mustList(t, inv)[0].Image
			if (got == nil) != (tt.want == nil) || (got != nil && *got != *tt.want) {
				t.Errorf("expected image %v, got %v", deref(tt.want), deref(got))
			}
			if (m.Item.Image == nil) != (got == nil) {
				t.Errorf("mutation image %v does not match stored %v", deref(m.Item.Image), deref(got))
			}
		})
	}
}

func deref(s *string) string {
	if s == nil {
		return "<nil>"
	}
	return *s
}

// =============================================================================
// Properties
// =============================================================================

// For any sequence of adds and removes, a surviving item's quantity is
// adds - removes, and nothing is ever stored at zero.
func TestAddRemove_CountProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	names := []string{"Widget", "Gadget", "gizmo", "Blue Mug"}

	for round := 0; round < 20; round++ {
		inv, store := newTestInventory(t, ImagePreserve)
		ctx := context.Background()
		want := map[string]int{}

		for step := 0; step < 200; step++ {
			name := names[rng.Intn(len(names))]
			if rng.Intn(2) == 0 {
				if _, err := inv.Add(ctx, name, nil); err != nil {
					t.Fatalf("add: %v", err)
				}
				want[name]++
			} else {
				if _, err := inv.Remove(ctx, name); err != nil {
					t.Fatalf("remove: %v", err)
				}
				if want[name] > 0 {
					want[name]--
				}
			}
		}

		got := map[string]int{}
		for _, item := range mustList(t, inv) {
			if item.Quantity < 1 {
				t.Fatalf("round %d: %s stored with quantity %d", round, item.ID, item.Quantity)
			}
			got[item.ID] = item.Quantity
		}
		for _, name := range names {
			if got[name] != want[name] {
				t.Errorf("round %d: %s expected %d, got %d", round, name, want[name], got[name])
			}
		}

		docs, _ := store.List(ctx, "inventory")
		if len(docs) != len(got) {
			t.Errorf("round %d: store has %d documents, listing %d", round, len(docs), len(got))
		}
	}
}

func TestListAll_Idempotent(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	ctx := context.Background()
	for _, name := range []string{"Widget", "Gadget", "Widget", "Sprocket"} {
		inv.Add(ctx, name, nil)
	}

	first := mustList(t, inv)
	second := mustList(t, inv)
	if len(first) != len(second) {
		t.Fatalf("expected same length, got %d and %d", len(first), len(second))
	}
	seen := map[string]int{}
	for _, item := range first {
		seen[item.ID] = item.Quantity
	}
	for _, item := range second {
		if q, ok := seen[item.ID]; !ok || q != item.Quantity {
			t.Errorf("second listing differs at %+v", item)
		}
	}
}

// Concurrent adds of the same name must neither fail nor lose increments
func TestAdd_ConcurrentNoLostUpdates(t *testing.T) {
	stores := map[string]func(t *testing.T) DocumentStore{
		"memory": func(t *testing.T) DocumentStore { return newMemoryStore() },
		"badger": func(t *testing.T) DocumentStore {
			s, err := openBadgerStore(":memory:")
			if err != nil {
				t.Fatalf("open badger: %v", err)
			}
			return s
		},
		"sqlite": func(t *testing.T) DocumentStore {
			s, err := openSQLiteStore(context.Background(), ":memory:")
			if err != nil {
				t.Fatalf("open sqlite: %v", err)
			}
			return s
		},
	}

	for name, open := range stores {
		t.Run(name, func(t *testing.T) {
			store := open(t)
			defer store.Close()
			inv := NewInventory(store, InventoryOptions{})

			const workers, perWorker = 64, 2
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := 0; i < perWorker; i++ {
						if _, err := inv.Add(context.Background(), "Widget", nil); err != nil {
							t.Errorf("add: %v", err)
						}
					}
				}()
			}
			wg.Wait()

			item, err := inv.Get(context.Background(), "Widget")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if item.Quantity != workers*perWorker {
				t.Errorf("expected %d, got %d", workers*perWorker, item.Quantity)
			}
		})
	}
}

// pausingStore lets the first Update commit, then holds its return until
// release is closed, so a second writer can be lined up behind it
type pausingStore struct {
	DocumentStore
	committed chan struct{}
	release   chan struct{}
	once      sync.Once
}

func newPausingStore() *pausingStore {
	return &pausingStore{
		DocumentStore: newMemoryStore(),
		committed:     make(chan struct{}),
		release:       make(chan struct{}),
	}
}

func (p *pausingStore) Update(ctx context.Context, c, k string, fn UpdateFunc) error {
	err := p.DocumentStore.Update(ctx, c, k, fn)
	p.once.Do(func() {
		close(p.committed)
		<-p.release
	})
	return err
}

// A remove that commits after an add must also patch the snapshot after it,
// even when the add is slow to return
func TestInventory_SnapshotFollowsStoreOrder(t *testing.T) {
	store := newPausingStore()
	ctx := context.Background()
	if err := store.Set(ctx, "inventory", "Widget", []byte(`{"quantity":1}`)); err != nil {
		t.Fatalf("seed: %v", err)
	}

	snap := &Snapshot{}
	inv := NewInventory(store, InventoryOptions{Snapshot: snap})
	snap.Replace(mustList(t, inv))

	addDone := make(chan error, 1)
	go func() {
		_, err := inv.Add(ctx, "Widget", nil)
		addDone <- err
	}()
	<-store.committed // quantity 2 is stored, Add has not returned

	removeDone := make(chan error, 1)
	go func() {
		_, err := inv.Remove(ctx, "Widget")
		removeDone <- err
	}()

	select {
	case err := <-removeDone:
		t.Errorf("remove overtook the in-flight add (err=%v)", err)
	case <-time.After(50 * time.Millisecond):
	}
	close(store.release)

	if err := <-addDone; err != nil {
		t.Fatalf("add: %v", err)
	}
	select {
	case err := <-removeDone:
		if err != nil {
			t.Fatalf("remove: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("remove never finished")
	}

	stored := mustList(t, inv)
	if len(stored) != 1 || stored[0].Quantity != 1 {
		t.Fatalf("expected Widget at 1 in the store, got %+v", stored)
	}
	shown := snap.Items()
	if len(shown) != 1 || shown[0].ID != "Widget" || shown[0].Quantity != stored[0].Quantity {
		t.Errorf("snapshot %+v does not match store %+v", shown, stored)
	}
}

func TestInventory_PatchesSnapshot(t *testing.T) {
	snap := &Snapshot{}
	inv := NewInventory(newMemoryStore(), InventoryOptions{Snapshot: snap})
	ctx := context.Background()

	inv.Add(ctx, "Widget", nil)
	inv.Add(ctx, "Widget", nil)
	inv.Add(ctx, "Gadget", nil)
	inv.Remove(ctx, "Gadget")

	items := snap.Items()
	if len(items) != 1 || items[0].ID != "Widget" || items[0].Quantity != 2 {
		t.Errorf("expected only Widget at 2, got %+v", items)
	}
}

// =============================================================================
// Errors
// =============================================================================

// failingStore fails every call, standing in for an unreachable database
type failingStore struct{ err error }

func (f failingStore) List(context.Context, string) ([]Document, error) { return nil, f.err }
func (f failingStore) Get(context.Context, string, string) ([]byte, error) { return nil, f.err }
func (f failingStore) Set(context.Context, string, string, []byte) error { return f.err }
func (f failingStore) Delete(context.Context, string, string) error { return f.err }
func (f failingStore) Update(context.Context, string, string, UpdateFunc) error { return f.err }
func (f failingStore) Close() error { return nil }

func TestInventory_StoreUnavailable(t *testing.T) {
	cause := errors.New("connection refused")
	inv := NewInventory(failingStore{err: cause}, InventoryOptions{})
	ctx := context.Background()

	if _, err := inv.ListAll(ctx); !errors.Is(err, ErrStoreUnavailable) || !errors.Is(err, cause) {
		t.Errorf("list: expected StoreUnavailable wrapping the cause, got %v", err)
	}
	if _, err := inv.Add(ctx, "Widget", nil); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("add: expected StoreUnavailable, got %v", err)
	}
	if _, err := inv.Remove(ctx, "Widget"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("remove: expected StoreUnavailable, got %v", err)
	}
	if _, err := inv.Get(ctx, "Widget"); !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("get: expected StoreUnavailable, got %v", err)
	}
}

// contendedStore answers every Update as if other writers always won
type contendedStore struct{ DocumentStore }

func (contendedStore) Update(context.Context, string, string, UpdateFunc) error {
	return errUpdateContention
}

func TestInventory_ContentionIsConflict(t *testing.T) {
	inv := NewInventory(contendedStore{newMemoryStore()}, InventoryOptions{})
	ctx := context.Background()

	for op, call := range map[string]func() error{
		"add":    func() error { _, err := inv.Add(ctx, "Widget", nil); return err },
		"remove": func() error { _, err := inv.Remove(ctx, "Widget"); return err },
	} {
		err := call()
		if !errors.Is(err, ErrConflict) {
			t.Errorf("%s: expected ErrConflict, got %v", op, err)
		}
		if errors.Is(err, ErrStoreUnavailable) {
			t.Errorf("%s: contention should not read as StoreUnavailable: %v", op, err)
		}
	}
}

func TestGet_NotFound(t *testing.T) {
	inv, _ := newTestInventory(t, ImagePreserve)
	if _, err := inv.Get(context.Background(), "Ghost"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCorruptDocument(t *testing.T) {
	inv, store := newTestInventory(t, ImagePreserve)
	ctx := context.Background()
	store.Set(ctx, "inventory", "Broken", []byte(`not json`))
	store.Set(ctx, "inventory", "Widget", []byte(`{"quantity":1}`))

	// Listing skips the bad document instead of failing
	items := mustList(t, inv)
	if len(items) != 1 || items[0].ID != "Widget" {
		t.Errorf("expected only Widget listed, got %+v", items)
	}

	// Mutating it is an error, but not a store outage
	_, err := inv.Add(ctx, "Broken", nil)
	if !errors.Is(err, errCorruptItem) {
		t.Errorf("expected errCorruptItem, got %v", err)
	}
	if errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("corrupt document should not read as StoreUnavailable: %v", err)
	}
}

func TestInventory_PublishesChanges(t *testing.T) {
	bus := NewBus()
	events := bus.Subscribe("test")
	defer bus.Unsubscribe("test")

	inv := NewInventory(newMemoryStore(), InventoryOptions{Bus: bus})
	ctx := context.Background()

	inv.Add(ctx, "Widget", nil)
	inv.Remove(ctx, "Ghost") // no-op, not published
	inv.Remove(ctx, "Widget")

	first := <-events
	if first.Op != opAdd || !first.Created {
		t.Errorf("expected created add first, got %+v", first)
	}
	second := <-events
	if second.Op != opRemove || !second.Deleted {
		t.Errorf("expected deleting remove second, got %+v", second)
	}
	select {
	case extra := <-events:
		t.Errorf("expected no further events, got %+v", extra)
	default:
	}
}

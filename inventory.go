package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

// InventoryItem is one named item with its stock count.
// ID is the display name and also the document key in the store.
type InventoryItem struct {
	ID       string  `json:"id"`
	Quantity int     `json:"quantity"`
	Image    *string `json:"image"` // data URL, null when no image
}

// itemDocument is the stored body; the ID lives in the key, not the body:
//
//	{"quantity": 2, "image": "data:image/png;base64,..."}
type itemDocument struct {
	Quantity int     `json:"quantity"`
	Image    *string `json:"image"`
}

// ImagePolicy decides what an add without an image does to the stored image
type ImagePolicy string

const (
	// ImagePreserve keeps the stored image when no new image is supplied
	ImagePreserve ImagePolicy = "preserve"
	// ImageOverwrite always writes the supplied image, so no image clears it
	ImageOverwrite ImagePolicy = "overwrite"
)

// Mutation operations
const (
	opAdd    = "add"
	opRemove = "remove"
)

// Mutation describes the outcome of one add or remove.
// It carries the record as written, so callers patch their snapshot with it
// instead of re-reading the whole collection.
type Mutation struct {
	Op      string         `json:"op"`
	ID      string         `json:"id"`
	Item    *InventoryItem `json:"item,omitempty"` // nil when deleted or never existed
	Created bool           `json:"created"`
	Deleted bool           `json:"deleted"`
	Changed bool           `json:"changed"` // false for removing an unknown id
}

// Inventory mediates every read and write between the app and the
// document collection.
//
// Writes to one id are serialized by a per-id lock that is held across the
// store write, the snapshot patch and the bus publish. Without it two
// requests for the same item could commit in one order and patch the
// snapshot in the other, leaving the dashboard showing a quantity the
// store no longer has.
type Inventory struct {
	store      DocumentStore
	collection string
	policy     ImagePolicy
	timeout    time.Duration
	snapshot   *Snapshot
	bus        *Bus
	locks      *keyLock
}

// InventoryOptions configures NewInventory; zero values get defaults
type InventoryOptions struct {
	Collection  string        // default "inventory"
	ImagePolicy ImagePolicy   // default ImagePreserve
	Timeout     time.Duration // per call; 0 means only the caller's context applies
	Snapshot    *Snapshot     // optional; patched with every mutation before it returns
	Bus         *Bus          // optional; receives every applied mutation
}

func NewInventory(store DocumentStore, opts InventoryOptions) *Inventory {
	if opts.Collection == "" {
		opts.Collection = "inventory"
	}
	if opts.ImagePolicy == "" {
		opts.ImagePolicy = ImagePreserve
	}
	return &Inventory{
		store:      store,
		collection: opts.Collection,
		policy:     opts.ImagePolicy,
		timeout:    opts.Timeout,
		snapshot:   opts.Snapshot,
		bus:        opts.Bus,
		locks:      newKeyLock(),
	}
}

// errCorruptItem marks a stored document that does not decode as an item
var errCorruptItem = errors.New("stored item is corrupt")

// maxItemNameBytes is the document id limit of hosted document stores (Firestore)
const maxItemNameBytes = 1500

// normalizeItemName trims the name and checks it can serve as a document key
func normalizeItemName(name string) (string, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return "", fmt.Errorf("%w: name is required", ErrInvalidItemName)
	case !utf8.ValidString(name):
		return "", fmt.Errorf("%w: name is not valid UTF-8", ErrInvalidItemName)
	case len(name) > maxItemNameBytes:
		return "", fmt.Errorf("%w: name longer than %d bytes", ErrInvalidItemName, maxItemNameBytes)
	case name == "." || name == "..":
		return "", fmt.Errorf("%w: %q is reserved", ErrInvalidItemName, name)
	case strings.Contains(name, "/"):
		return "", fmt.Errorf("%w: name must not contain '/'", ErrInvalidItemName)
	}
	return name, nil
}

// withTimeout bounds one store call by the configured timeout.
// Always call the returned cancel (usually with defer), or the timer leaks
// until it fires.
func (inv *Inventory) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if inv.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, inv.timeout)
}

// ListAll fetches the entire collection in the store's key order.
// Documents that fail to decode are logged and skipped rather than failing
// the whole listing.
func (inv *Inventory) ListAll(ctx context.Context) ([]InventoryItem, error) {
	ctx, cancel := inv.withTimeout(ctx)
	defer cancel()

	docs, err := inv.store.List(ctx, inv.collection)
	if err != nil {
		return nil, fmt.Errorf("%w: list %s: %w", ErrStoreUnavailable, inv.collection, err)
	}

	items := make([]InventoryItem, 0, len(docs))
	for _, d := range docs {
		var doc itemDocument
		if err := json.Unmarshal(d.Data, &doc); err != nil {
			slog.Error("skipping malformed inventory document", "id", d.Key, "error", err)
			continue
		}
		items = append(items, InventoryItem{ID: d.Key, Quantity: doc.Quantity, Image: doc.Image})
	}
	return items, nil
}

// Get is a point lookup of one item
func (inv *Inventory) Get(ctx context.Context, id string) (InventoryItem, error) {
	ctx, cancel := inv.withTimeout(ctx)
	defer cancel()

	data, err := inv.store.Get(ctx, inv.collection, id)
	if errors.Is(err, ErrNotFound) {
		return InventoryItem{}, fmt.Errorf("item %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return InventoryItem{}, fmt.Errorf("%w: get %q: %w", ErrStoreUnavailable, id, err)
	}
	var doc itemDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return InventoryItem{}, fmt.Errorf("item %q: %w: %w", id, errCorruptItem, err)
	}
	return InventoryItem{ID: id, Quantity: doc.Quantity, Image: doc.Image}, nil
}

// Add records one more unit of the named item.
// A new name is stored with quantity 1; an existing one is incremented.
// image replaces the stored image, except that a nil image leaves it alone
// under ImagePreserve.
func (inv *Inventory) Add(ctx context.Context, name string, image *string) (Mutation, error) {
	id, err := normalizeItemName(name)
	if err != nil {
		mutationsTotal.WithLabelValues(opAdd, "invalid").Inc()
		return Mutation{}, err
	}

	ctx, cancel := inv.withTimeout(ctx)
	defer cancel()

	// Step 1: queue behind any other write to this id.
	// Held until the snapshot and bus have seen our result (step 3).
	unlock := inv.locks.Lock(id)
	defer unlock()

	// Step 2: increment inside the store's atomic read-modify-write.
	// The closure may run more than once if another process wins a race,
	// so it only sets result and created, never anything outside.
	var result itemDocument
	var created bool
	err = inv.store.Update(ctx, inv.collection, id, func(current []byte) ([]byte, error) {
		next := itemDocument{Quantity: 1, Image: image}
		created = current == nil

		if current != nil {
			var prev itemDocument
			if err := json.Unmarshal(current, &prev); err != nil {
				return nil, fmt.Errorf("%w: %w", errCorruptItem, err)
			}
			next.Quantity = max(prev.Quantity, 0) + 1
			if image == nil && inv.policy == ImagePreserve {
				next.Image = prev.Image
			}
		}

		result = next
		return json.Marshal(next)
	})
	if err != nil {
		mutationsTotal.WithLabelValues(opAdd, "error").Inc()
		return Mutation{}, mutationError(opAdd, id, err)
	}

	m := Mutation{
		Op:      opAdd,
		ID:      id,
		Item:    &InventoryItem{ID: id, Quantity: result.Quantity, Image: result.Image},
		Created: created,
		Changed: true,
	}

	// Step 3: patch the snapshot and notify subscribers, still under the lock
	inv.apply(m)
	slog.Debug("inventory add", "id", id, "quantity", result.Quantity, "created", created)
	return m, nil
}

// Remove takes one unit of the item away. At quantity 1 the record is deleted;
// otherwise the quantity drops by one and every other stored field is kept.
// Removing an unknown id does nothing and is not an error.
func (inv *Inventory) Remove(ctx context.Context, id string) (Mutation, error) {
	id, err := normalizeItemName(id)
	if err != nil {
		mutationsTotal.WithLabelValues(opRemove, "invalid").Inc()
		return Mutation{}, err
	}

	ctx, cancel := inv.withTimeout(ctx)
	defer cancel()

	unlock := inv.locks.Lock(id)
	defer unlock()

	m := Mutation{Op: opRemove, ID: id}
	err = inv.store.Update(ctx, inv.collection, id, func(current []byte) ([]byte, error) {
		// Reset on every call: a retry must not see the previous attempt's answer
		m.Item, m.Deleted, m.Changed = nil, false, false
		if current == nil {
			return nil, nil
		}

		// Decode into a generic map so fields we do not know about survive.
		// Decoding only into itemDocument would drop them on the way back out.
		// Python equivalent: doc = json.loads(body); doc["quantity"] -= 1
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(current, &fields); err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptItem, err)
		}
		var doc itemDocument
		if err := json.Unmarshal(current, &doc); err != nil {
			return nil, fmt.Errorf("%w: %w", errCorruptItem, err)
		}

		m.Changed = true
		if doc.Quantity <= 1 {
			m.Deleted = true
			return nil, nil
		}

		doc.Quantity--
		fields["quantity"] = json.RawMessage(fmt.Sprint(doc.Quantity))
		m.Item = &InventoryItem{ID: id, Quantity: doc.Quantity, Image: doc.Image}
		return json.Marshal(fields)
	})
	if err != nil {
		mutationsTotal.WithLabelValues(opRemove, "error").Inc()
		return Mutation{}, mutationError(opRemove, id, err)
	}

	inv.apply(m)
	slog.Debug("inventory remove", "id", id, "changed", m.Changed, "deleted", m.Deleted)
	return m, nil
}

// mutationError wraps a failed Update.
// A corrupt stored document and a write that kept losing to other writers
// are reported as-is: in both cases the store answered. Anything else means
// we could not reach the store, so the client gets ErrStoreUnavailable.
func mutationError(op, id string, err error) error {
	if errors.Is(err, errCorruptItem) || errors.Is(err, ErrConflict) {
		return fmt.Errorf("%s %q: %w", op, id, err)
	}
	return fmt.Errorf("%w: %s %q: %w", ErrStoreUnavailable, op, id, err)
}

// apply counts the mutation, patches the snapshot and forwards real changes
// to the bus. Callers hold the id's lock, so snapshot patches and bus events
// for one id arrive in the order the store committed them.
func (inv *Inventory) apply(m Mutation) {
	result := "updated"
	switch {
	case !m.Changed:
		result = "noop"
	case m.Created:
		result = "created"
	case m.Deleted:
		result = "deleted"
	}
	mutationsTotal.WithLabelValues(m.Op, result).Inc()

	if inv.snapshot != nil {
		inv.snapshot.Apply(m)
	}
	if m.Changed && inv.bus != nil {
		inv.bus.Publish(m)
	}
}

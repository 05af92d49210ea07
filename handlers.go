package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// server holds what the handlers share: the store adapter, the snapshot
// the list and chart views are served from, and the change bus.
type server struct {
	cfg      Config
	inv      *Inventory
	snapshot *Snapshot
	bus      *Bus
	limiter  *rate.Limiter // nil when MUTATION_RATE is 0
}

func newServer(cfg Config, store DocumentStore) *server {
	bus := NewBus()
	snapshot := &Snapshot{}
	s := &server{
		cfg: cfg,
		inv: NewInventory(store, InventoryOptions{
			Collection:  cfg.Collection,
			ImagePolicy: cfg.ImagePolicy,
			Timeout:     cfg.StoreTimeout,
			Snapshot:    snapshot,
			Bus:         bus,
		}),
		snapshot: snapshot,
		bus:      bus,
	}
	if cfg.MutationRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MutationRate), cfg.MutationBurst)
	}
	return s
}

// refresh re-reads the whole collection into the snapshot.
// On failure the snapshot keeps its previous contents.
func (s *server) refresh(ctx context.Context) error {
	items, err := s.inv.ListAll(ctx)
	if err != nil {
		return err
	}
	s.snapshot.Replace(items)
	return nil
}

// routes builds the chi router.
// r.Route groups everything under /api/inventory, and r.Group inside it adds
// the rate limiter to the write routes only.
// Python equivalent: a Flask blueprint with multiple routes
func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/health", healthHandler)
	r.Get("/api/system", s.systemHandler)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api/inventory", func(r chi.Router) {
		r.Get("/", s.listItems)
		r.Get("/chart", s.chartData)
		r.Get("/events", s.streamEvents)
		r.Get("/{id}", s.getItem)

		// Everything that writes to the store goes through the limiter
		r.Group(func(r chi.Router) {
			r.Use(rateLimitMiddleware(s.limiter))
			r.Post("/", s.addItem)
			r.Post("/refresh", s.refreshItems)
			r.Delete("/{id}", s.removeItem)
			r.Post("/{id}/remove", s.removeItem)
		})
	})

	return r
}

// =============================================================================
// Response helpers
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// writeError logs the failure and sends the classified JSON error body
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := classifyError(err)
	level := slog.LevelWarn
	if apiErr.status >= http.StatusInternalServerError {
		level = slog.LevelError
	}
	slog.Log(r.Context(), level, "request failed",
		"method", r.Method,
		"path", r.URL.Path,
		"code", apiErr.Code,
		"error", err,
	)
	writeJSON(w, apiErr.status, apiErr)
}

// itemIDParam returns the unescaped {id} path segment.
// chi matches against RawPath when the URL had escapes (e.g. "Blue%20Mug").
func itemIDParam(r *http.Request) string {
	raw := chi.URLParam(r, "id")
	if r.URL.RawPath != "" {
		if id, err := url.PathUnescape(raw); err == nil {
			return id
		}
	}
	return raw
}

// =============================================================================
// Health & System
// =============================================================================

// healthHandler responds with a JSON health status
// Used by Docker HEALTHCHECK and load balancers to verify the app is running
func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// systemHandler reports where the service runs and how it is configured.
// Only non-secret settings are exposed.
func (s *server) systemHandler(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	var loadedAt string
	if t := s.snapshot.LoadedAt(); !t.IsZero() {
		loadedAt = t.Format(time.RFC3339)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"hostname":           hostname,
		"version":            version,
		"store_driver":       s.cfg.StoreDriver,
		"collection":         s.cfg.Collection,
		"image_policy":       s.cfg.ImagePolicy,
		"image_max_bytes":    s.cfg.ImageMaxBytes,
		"snapshot_loaded_at": loadedAt,
		"sse_subscribers":    s.bus.SubscriberCount(),
		"client_ip":          r.RemoteAddr,
	})
}

// =============================================================================
// Inventory reads
// =============================================================================

// listItems serves the snapshot, filtered by ?search=
// ?refresh=true re-reads the collection first
func (s *server) listItems(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if want, _ := strconv.ParseBool(q.Get("refresh")); want {
		if err := s.refresh(r.Context()); err != nil {
			writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, s.snapshot.Filter(q.Get("search")))
}

// refreshItems forces a full re-fetch and returns the new snapshot
func (s *server) refreshItems(w http.ResponseWriter, r *http.Request) {
	if err := s.refresh(r.Context()); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot.Items())
}

func (s *server) chartData(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.snapshot.Chart())
}

// getItem reads one item straight from the store, bypassing the snapshot
func (s *server) getItem(w http.ResponseWriter, r *http.Request) {
	item, err := s.inv.Get(r.Context(), itemIDParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// =============================================================================
// Inventory writes
// =============================================================================

// addItem accepts either JSON:
//
//	{"name": "Widget", "image": "data:image/png;base64,..."}
//
// or a multipart form with a "name" field and an optional "image" file.
func (s *server) addItem(w http.ResponseWriter, r *http.Request) {
	name, image, err := s.parseAddRequest(w, r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Add patches the snapshot itself before returning
	m, err := s.inv.Add(r.Context(), name, image)
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if m.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, m)
}

func (s *server) parseAddRequest(w http.ResponseWriter, r *http.Request) (string, *string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))

	if mediaType == "multipart/form-data" {
		// Leave room for the name field and multipart framing on top of the image
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.ImageMaxBytes+1<<20)
		if err := r.ParseMultipartForm(s.cfg.ImageMaxBytes); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return "", nil, fmt.Errorf("%w: upload larger than %d bytes", ErrImageDecode, s.cfg.ImageMaxBytes)
			}
			return "", nil, fmt.Errorf("%w: invalid multipart form: %w", errBadRequest, err)
		}

		name := r.FormValue("name")
		file, _, err := r.FormFile("image")
		if errors.Is(err, http.ErrMissingFile) {
			return name, nil, nil
		}
		if err != nil {
			return "", nil, fmt.Errorf("%w: %w", ErrImageDecode, err)
		}
		defer file.Close()

		encoded, err := EncodeImage(file, s.cfg.ImageMaxBytes)
		if err != nil {
			return "", nil, err
		}
		return name, &encoded, nil
	}

	var input struct {
		Name  string  `json:"name"`
		Image *string `json:"image"`
	}
	// base64 inflates by 4/3; allow that plus room for the name
	body := http.MaxBytesReader(w, r.Body, s.cfg.ImageMaxBytes*4/3+1<<20)
	if err := json.NewDecoder(body).Decode(&input); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return "", nil, fmt.Errorf("%w: request body too large", ErrImageDecode)
		}
		return "", nil, fmt.Errorf("%w: invalid json: %w", errBadRequest, err)
	}

	if input.Image == nil || *input.Image == "" {
		return input.Name, nil, nil
	}
	encoded, err := ValidateDataURL(*input.Image, s.cfg.ImageMaxBytes)
	if err != nil {
		return "", nil, err
	}
	return input.Name, &encoded, nil
}

// removeItem decrements the item or deletes it at quantity 1.
// Unknown ids answer 200 with "changed": false.
func (s *server) removeItem(w http.ResponseWriter, r *http.Request) {
	m, err := s.inv.Remove(r.Context(), itemIDParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// =============================================================================
// Change feed (Server-Sent Events)
// =============================================================================

// streamEvents sends the current snapshot as a "snapshot" event, then one
// "mutation" event per applied change until the client disconnects.
func (s *server) streamEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, errors.New("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	id := uuid.New().String()
	events := s.bus.Subscribe(id)
	defer s.bus.Unsubscribe(id)
	slog.Debug("change feed subscribed", "subscriber", id)

	sendEvent(w, flusher, "snapshot", s.snapshot.Items())

	for {
		select {
		case m, ok := <-events:
			if !ok {
				return
			}
			sendEvent(w, flusher, "mutation", m)
		case <-r.Context().Done():
			slog.Debug("change feed closed", "subscriber", id)
			return
		}
	}
}

func sendEvent(w http.ResponseWriter, flusher http.Flusher, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("failed to encode event", "event", event, "error", err)
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	flusher.Flush()
}

package recognition

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/your-org/faceid/internal/cache"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
)

// Store is the slice of the descriptor store the coordinator needs.
type Store interface {
	Create(ctx context.Context, u *models.User) error
	FindByExternalID(ctx context.Context, externalID string) (*models.User, error)
	UpdateDescriptor(ctx context.Context, userID int64, d models.Descriptor, confidence float32) error
	SoftDelete(ctx context.Context, userID int64) error
	CountActive(ctx context.Context) (int64, error)
	TouchRecognition(ctx context.Context, userID int64) error
	AppendLog(ctx context.Context, entry *models.RecognitionLog) error
}

// Embedder is the vision adapter surface the coordinator consumes.
type Embedder interface {
	DetectAndEmbed(ctx context.Context, imageData []byte, mode vision.Mode) (*vision.FaceResult, error)
}

// EventPublisher pushes recognition events to the bus. Optional; failures are
// swallowed.
type EventPublisher interface {
	PublishRecognition(ctx context.Context, event models.RecognitionEvent) error
}

// SnapshotSink archives enrollment source images. Optional; failures are
// swallowed.
type SnapshotSink interface {
	PutEnrollment(ctx context.Context, externalID string, imageData []byte) (string, error)
}

// Match is one identified user.
type Match struct {
	UserID      int64   `json:"user_id"`
	ExternalID  string  `json:"external_id"`
	DisplayName string  `json:"display_name"`
	ClientRef   string  `json:"client_ref"`
	Distance    float64 `json:"distance"`
	Similarity  int     `json:"similarity"`
}

// IdentifyResult is the outcome of one identification.
type IdentifyResult struct {
	Match        *Match  `json:"match"`
	Confidence   float64 `json:"confidence"` // matched distance; 0 when no match
	Backend      string  `json:"backend"`    // hnsw | linear | cache | none
	ProcessingMs int64   `json:"processing_ms"`
	CacheHit     bool    `json:"cache_hit"`
}

// IdentifyOptions tunes one identification call.
type IdentifyOptions struct {
	// Fallback is an active-user snapshot for the linear path, used when the
	// ANN index is empty or unavailable. Usually nil on the online path.
	Fallback []models.User
	// SkipCache bypasses the result cache in both directions.
	SkipCache bool
	// Mode labels the metrics for this call: "single" or "batch".
	Mode string
}

// EnrollResult is the outcome of enroll and update.
type EnrollResult struct {
	User         *models.User `json:"user"`
	Confidence   float32      `json:"confidence"`
	Box          vision.Box   `json:"box"`
	ProcessingMs int64        `json:"processing_ms"`
}

// Stats is the coordinator's rolling identification summary.
type Stats struct {
	Total        int64   `json:"total"`
	Success      int64   `json:"success"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// Coordinator orchestrates the identification pipeline: cache lookup, face
// embedding, ANN search with threshold re-check, linear fallback, persistence
// and event emission. The descriptor store is authoritative; index and cache
// failures never fail a user-facing call once the store write has succeeded.
type Coordinator struct {
	store    Store
	embedder Embedder
	idx      *index.Index
	cache    *cache.Cache
	events   EventPublisher
	snaps    SnapshotSink

	mu       sync.RWMutex
	settings Settings

	statsMu   sync.Mutex
	stats     Stats
	totalMs   int64
	cacheTTL  time.Duration
	asyncWait sync.WaitGroup
}

func NewCoordinator(store Store, embedder Embedder, idx *index.Index, resultCache *cache.Cache, cfg config.RecognitionConfig, cacheTTL time.Duration) *Coordinator {
	c := &Coordinator{
		store:    store,
		embedder: embedder,
		idx:      idx,
		cache:    resultCache,
		cacheTTL: cacheTTL,
		settings: Settings{
			Profile:             cfg.Profile,
			ConfidenceThreshold: cfg.ConfidenceThreshold,
			MinFaceSize:         cfg.MinFaceSize,
			MaxFaceSize:         cfg.MaxFaceSize,
			DetectionConfidence: cfg.DetectionConfidence,
		},
	}
	if threshold, ok := profileThresholds[cfg.Profile]; ok && cfg.ConfidenceThreshold == 0 {
		c.settings.ConfidenceThreshold = threshold
	}
	return c
}

// SetEventPublisher attaches the optional event bus producer.
func (c *Coordinator) SetEventPublisher(p EventPublisher) { c.events = p }

// SetSnapshotSink attaches the optional enrollment image archive.
func (c *Coordinator) SetSnapshotSink(s SnapshotSink) { c.snaps = s }

// EnrollRequest carries the caller-supplied identity for a new user.
type EnrollRequest struct {
	ExternalID  string
	DisplayName string
	ClientRef   string
}

// Enroll registers a new user from one face image. The store write is the
// commit point: index, log, event and snapshot failures after it are logged
// and swallowed.
func (c *Coordinator) Enroll(ctx context.Context, imageData []byte, req EnrollRequest) (*EnrollResult, error) {
	start := time.Now()

	face, err := c.extractValidated(ctx, imageData, vision.ModeRegister)
	if err != nil {
		c.observeRegistration(statusOf(err), start)
		return nil, err
	}

	confidence := enrollConfidence(face)
	user := &models.User{
		ExternalID:  req.ExternalID,
		DisplayName: req.DisplayName,
		ClientRef:   req.ClientRef,
		Descriptor:  face.Descriptor,
		Confidence:  confidence,
	}
	if err := c.store.Create(ctx, user); err != nil {
		c.observeRegistration(statusOf(err), start)
		return nil, err
	}
	observability.ActiveUsers.Inc()

	c.SyncIndex(user.ID, face.Descriptor, index.EntryMeta{
		ExternalID:  user.ExternalID,
		DisplayName: user.DisplayName,
		ClientRef:   user.ClientRef,
	}, SyncAdd)

	processingMs := time.Since(start).Milliseconds()
	c.background(func(ctx context.Context) {
		uid := user.ID
		c.appendLog(ctx, &models.RecognitionLog{
			UserID:     &uid,
			Operation:  "enroll",
			Matched:    true,
			Backend:    "store",
			DurationMs: processingMs,
			Embedding:  face.Descriptor,
		})
		c.publishEvent(ctx, models.RecognitionEvent{
			Type:       "user_enrolled",
			ExternalID: user.ExternalID,
			UserID:     &uid,
			Timestamp:  time.Now().UTC(),
		})
		if c.snaps != nil {
			if _, err := c.snaps.PutEnrollment(ctx, user.ExternalID, imageData); err != nil {
				slog.Warn("store enrollment snapshot", "external_id", user.ExternalID, "error", err)
			}
		}
	})

	c.observeRegistration("success", start)
	return &EnrollResult{
		User:         user,
		Confidence:   confidence,
		Box:          face.Box,
		ProcessingMs: processingMs,
	}, nil
}

// Identify resolves one face image to an enrolled user, or reports no match.
func (c *Coordinator) Identify(ctx context.Context, imageData []byte, opts IdentifyOptions) (*IdentifyResult, error) {
	start := time.Now()
	mode := opts.Mode
	if mode == "" {
		mode = "single"
	}

	var cacheKey string
	if c.cache != nil && !opts.SkipCache {
		cacheKey = cache.KeyForImage(imageData)
		if raw := c.cache.Get(ctx, cacheKey); raw != nil {
			var cached IdentifyResult
			if err := json.Unmarshal(raw, &cached); err == nil {
				cached.Backend = "cache"
				cached.CacheHit = true
				cached.ProcessingMs = time.Since(start).Milliseconds()
				c.observeIdentify(&cached, mode, start)
				return &cached, nil
			}
			slog.Warn("discard undecodable cached result", "key", cacheKey)
			c.cache.Del(ctx, cacheKey)
		}
	}

	face, err := c.embedder.DetectAndEmbed(ctx, imageData, vision.ModeRecognize)
	if err != nil {
		observability.RecognitionTotal.WithLabelValues(statusOf(err), mode).Inc()
		observability.RecognitionDuration.WithLabelValues(statusOf(err), mode).
			Observe(time.Since(start).Seconds())
		return nil, err
	}

	threshold := c.CurrentSettings().ConfidenceThreshold
	result := &IdentifyResult{Backend: "none"}

	if c.idx != nil && c.idx.Initialized() && c.idx.Size() > 0 {
		result.Backend = "hnsw"
		hits, err := c.idx.Search(face.Descriptor, 5, threshold)
		if err != nil {
			slog.Error("index search", "error", err)
		}
		// The search already filters by threshold; re-check anyway so a
		// looser index configuration can never widen the match.
		for _, h := range hits {
			if h.Distance <= threshold {
				result.Match = &Match{
					UserID:      h.UserID,
					ExternalID:  h.ExternalID,
					DisplayName: h.DisplayName,
					ClientRef:   h.ClientRef,
					Distance:    h.Distance,
					Similarity:  h.Similarity,
				}
				break
			}
		}
	} else if len(opts.Fallback) > 0 {
		result.Backend = "linear"
		result.Match = linearSearch(opts.Fallback, face.Descriptor, threshold)
	}

	if result.Match != nil {
		result.Confidence = result.Match.Distance
	}
	result.ProcessingMs = time.Since(start).Milliseconds()

	if result.Match != nil && c.cache != nil && !opts.SkipCache {
		if raw, err := json.Marshal(result); err == nil {
			c.cache.Set(ctx, cacheKey, raw, c.cacheTTL)
		}
	}

	c.observeIdentify(result, mode, start)

	c.background(func(ctx context.Context) {
		entry := &models.RecognitionLog{
			Operation:  "identify",
			Matched:    result.Match != nil,
			Backend:    result.Backend,
			DurationMs: result.ProcessingMs,
			Embedding:  face.Descriptor,
		}
		event := models.RecognitionEvent{
			Type:      "no_match",
			Backend:   result.Backend,
			Timestamp: time.Now().UTC(),
		}
		if m := result.Match; m != nil {
			uid := m.UserID
			d := m.Distance
			sim := m.Similarity
			entry.UserID = &uid
			entry.Distance = &d
			event.Type = "user_recognized"
			event.ExternalID = m.ExternalID
			event.UserID = &uid
			event.Distance = &d
			event.Similarity = &sim
			if err := c.store.TouchRecognition(ctx, m.UserID); err != nil {
				slog.Warn("touch recognition", "user_id", m.UserID, "error", err)
			}
		}
		c.appendLog(ctx, entry)
		c.publishEvent(ctx, event)
	})

	return result, nil
}

// Update replaces an existing user's descriptor from a new image.
func (c *Coordinator) Update(ctx context.Context, externalID string, imageData []byte) (*EnrollResult, error) {
	start := time.Now()

	user, err := c.store.FindByExternalID(ctx, externalID)
	if err != nil {
		c.observeRegistration(statusOf(err), start)
		return nil, err
	}

	face, err := c.extractValidated(ctx, imageData, vision.ModeRegister)
	if err != nil {
		c.observeRegistration(statusOf(err), start)
		return nil, err
	}

	confidence := enrollConfidence(face)
	if err := c.store.UpdateDescriptor(ctx, user.ID, face.Descriptor, confidence); err != nil {
		c.observeRegistration(statusOf(err), start)
		return nil, err
	}
	user.Descriptor = face.Descriptor
	user.Confidence = confidence

	c.SyncIndex(user.ID, face.Descriptor, index.EntryMeta{
		ExternalID:  user.ExternalID,
		DisplayName: user.DisplayName,
		ClientRef:   user.ClientRef,
	}, SyncUpdate)

	c.observeRegistration("success", start)
	return &EnrollResult{
		User:         user,
		Confidence:   confidence,
		Box:          face.Box,
		ProcessingMs: time.Since(start).Milliseconds(),
	}, nil
}

// Delete soft-deletes the user and masks its index entry.
func (c *Coordinator) Delete(ctx context.Context, externalID string) error {
	user, err := c.store.FindByExternalID(ctx, externalID)
	if err != nil {
		return err
	}
	if err := c.store.SoftDelete(ctx, user.ID); err != nil {
		return err
	}
	observability.ActiveUsers.Dec()
	c.SyncIndex(user.ID, nil, index.EntryMeta{}, SyncRemove)
	return nil
}

// SyncOp selects the index mutation performed by SyncIndex.
type SyncOp int

const (
	SyncAdd SyncOp = iota
	SyncUpdate
	SyncRemove
)

// SyncIndex applies one index mutation on behalf of a store change. The store
// stays authoritative: failures here are logged and swallowed, a later
// rebuild reconciles. Idempotent for all three ops.
func (c *Coordinator) SyncIndex(userID int64, descriptor models.Descriptor, meta index.EntryMeta, op SyncOp) {
	if c.idx == nil {
		return
	}
	var err error
	switch op {
	case SyncAdd:
		err = c.idx.AddUser(userID, descriptor, meta)
	case SyncUpdate:
		err = c.idx.UpdateUser(userID, descriptor, meta)
	case SyncRemove:
		err = c.idx.RemoveUser(userID)
	}
	if err != nil {
		slog.Error("index sync", "user_id", userID, "op", op, "error", err)
	}
}

// Stats returns the rolling identification summary.
func (c *Coordinator) Stats() Stats {
	c.statsMu.Lock()
	defer c.statsMu.Unlock()
	return c.stats
}

// Drain waits for in-flight background writes (logs, events, snapshots).
func (c *Coordinator) Drain() {
	c.asyncWait.Wait()
}

// extractValidated runs detect+embed in an enrollment mode and enforces the
// face box and quality limits.
func (c *Coordinator) extractValidated(ctx context.Context, imageData []byte, mode vision.Mode) (*vision.FaceResult, error) {
	face, err := c.embedder.DetectAndEmbed(ctx, imageData, mode)
	if err != nil {
		return nil, err
	}

	s := c.CurrentSettings()
	if face.Box.W < s.MinFaceSize || face.Box.H < s.MinFaceSize {
		return nil, fmt.Errorf("%w: %dx%d, minimum %d", ErrFaceTooSmall, face.Box.W, face.Box.H, s.MinFaceSize)
	}
	if face.Box.W > s.MaxFaceSize || face.Box.H > s.MaxFaceSize {
		return nil, fmt.Errorf("%w: %dx%d, maximum %d", ErrFaceTooLarge, face.Box.W, face.Box.H, s.MaxFaceSize)
	}
	if float64(face.DetectionScore) < s.DetectionConfidence {
		return nil, fmt.Errorf("%w: score %.2f below %.2f", ErrLowQuality, face.DetectionScore, s.DetectionConfidence)
	}
	return face, nil
}

// enrollConfidence folds the detection score and landmark availability into
// the stored per-user confidence, rounded to two decimals.
func enrollConfidence(face *vision.FaceResult) float32 {
	factor := 0.7
	if face.HasLandmarks {
		factor = 0.9
	}
	return float32(math.Round(float64(face.DetectionScore)*factor*100) / 100)
}

// linearSearch is the exact O(n) fallback over an active-user snapshot,
// fanned out over a small worker set.
func linearSearch(users []models.User, query models.Descriptor, threshold float64) *Match {
	const workers = 4

	type candidate struct {
		user     *models.User
		distance float64
	}

	results := make(chan candidate, workers)
	chunk := (len(users) + workers - 1) / workers
	var wg sync.WaitGroup
	for lo := 0; lo < len(users); lo += chunk {
		hi := lo + chunk
		if hi > len(users) {
			hi = len(users)
		}
		wg.Add(1)
		go func(part []models.User) {
			defer wg.Done()
			best := candidate{distance: math.Inf(1)}
			for i := range part {
				u := &part[i]
				if len(u.Descriptor) != models.DescriptorDim {
					continue
				}
				if d := euclidean(query, u.Descriptor); d < best.distance {
					best = candidate{user: u, distance: d}
				}
			}
			results <- best
		}(users[lo:hi])
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	best := candidate{distance: math.Inf(1)}
	for c := range results {
		if c.user != nil && c.distance < best.distance {
			best = c
		}
	}
	if best.user == nil || best.distance >= threshold {
		return nil
	}
	return &Match{
		UserID:      best.user.ID,
		ExternalID:  best.user.ExternalID,
		DisplayName: best.user.DisplayName,
		ClientRef:   best.user.ClientRef,
		Distance:    best.distance,
		Similarity:  int(math.Round((1 - best.distance) * 100)),
	}
}

func euclidean(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (c *Coordinator) observeIdentify(result *IdentifyResult, mode string, start time.Time) {
	status := "not_found"
	if result.Match != nil {
		status = "success"
	}
	observability.RecognitionTotal.WithLabelValues(status, mode).Inc()
	observability.RecognitionDuration.WithLabelValues(status, mode).
		Observe(time.Since(start).Seconds())

	c.statsMu.Lock()
	c.stats.Total++
	if result.Match != nil {
		c.stats.Success++
	}
	c.totalMs += result.ProcessingMs
	c.stats.AvgLatencyMs = float64(c.totalMs) / float64(c.stats.Total)
	c.statsMu.Unlock()
}

func (c *Coordinator) observeRegistration(status string, start time.Time) {
	observability.RegistrationTotal.WithLabelValues(status).Inc()
	observability.RegistrationDuration.WithLabelValues(status).
		Observe(time.Since(start).Seconds())
}

// background runs fn with a fresh timeout-bounded context so fire-and-forget
// writes survive the request context being canceled.
func (c *Coordinator) background(fn func(ctx context.Context)) {
	c.asyncWait.Add(1)
	go func() {
		defer c.asyncWait.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		fn(ctx)
	}()
}

func (c *Coordinator) appendLog(ctx context.Context, entry *models.RecognitionLog) {
	if err := c.store.AppendLog(ctx, entry); err != nil {
		slog.Warn("append recognition log", "error", err)
	}
}

func (c *Coordinator) publishEvent(ctx context.Context, event models.RecognitionEvent) {
	if c.events == nil {
		return
	}
	if err := c.events.PublishRecognition(ctx, event); err != nil {
		slog.Warn("publish recognition event", "type", event.Type, "error", err)
	}
}

// statusOf maps pipeline errors onto a low-cardinality metric label.
func statusOf(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, vision.ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, vision.ErrNoFace):
		return "no_face"
	case errors.Is(err, vision.ErrTimeout):
		return "timeout"
	case errors.Is(err, ErrFaceTooSmall),
		errors.Is(err, ErrFaceTooLarge),
		errors.Is(err, ErrLowQuality):
		return "low_quality"
	case errors.Is(err, storage.ErrDuplicate):
		return "duplicate"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

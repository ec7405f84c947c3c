package index

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/hnsw"

	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/observability"
)

var (
	ErrNotInitialized   = errors.New("index not initialized")
	ErrCapacityExceeded = errors.New("index capacity exceeded")
)

// persistEvery is the number of successful adds between background saves.
const persistEvery = 100

// EntryMeta is the user metadata attached to a live label.
type EntryMeta struct {
	UserID      int64  `json:"userId"`
	ExternalID  string `json:"externalId"`
	DisplayName string `json:"displayName"`
	ClientRef   string `json:"clientRef"`
}

// Result is one search hit, already converted to Euclidean distance.
type Result struct {
	UserID      int64   `json:"user_id"`
	ExternalID  string  `json:"external_id"`
	DisplayName string  `json:"display_name"`
	ClientRef   string  `json:"client_ref"`
	Distance    float64 `json:"distance"`
	Similarity  int     `json:"similarity"`
}

type Options struct {
	IndexPath      string
	MetaPath       string
	M              int
	EfConstruction int
	EfSearch       int
	MaxElements    int
}

// Index is an HNSW graph over 128-D face descriptors plus the label
// bookkeeping that makes logical deletion and persistence possible.
//
// Labels are assigned monotonically and never reused. Deleting or updating a
// user only drops its labelToMeta entry; the graph point stays behind as a
// masked tombstone until the next rebuild. Distances are squared L2
// internally and Euclidean on the way out.
type Index struct {
	mu   sync.RWMutex
	opts Options

	graph         *hnsw.Graph[uint64]
	labelToMeta   map[uint64]EntryMeta
	userToLabel   map[int64]uint64
	nextLabel     uint64
	totalVectors  int
	lastRebuildAt *time.Time
	initialized   bool

	addsSinceSave int
	saving        atomic.Bool
}

func New(opts Options) *Index {
	return &Index{opts: opts}
}

func (idx *Index) newGraph() *hnsw.Graph[uint64] {
	g := hnsw.NewGraph[uint64]()
	g.M = idx.opts.M
	g.Ml = 1.0 / float64(idx.opts.M)
	g.Distance = hnsw.EuclideanDistance
	g.EfSearch = idx.opts.EfSearch
	return g
}

// Init loads the persisted graph and metadata if present, otherwise starts
// empty. A corrupt or unreadable file is logged and discarded: the service
// must come up with an empty index rather than crash, and a later rebuild
// restores the contents from the descriptor store. Idempotent.
func (idx *Index) Init() error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.initialized {
		return nil
	}

	if dir := filepath.Dir(idx.opts.IndexPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create index dir: %w", err)
		}
	}

	idx.graph = idx.newGraph()
	idx.labelToMeta = make(map[uint64]EntryMeta)
	idx.userToLabel = make(map[int64]uint64)
	idx.nextLabel = 0
	idx.totalVectors = 0

	if err := idx.loadLocked(); err != nil {
		slog.Error("load persisted index, starting empty", "error", err)
		idx.graph = idx.newGraph()
		idx.labelToMeta = make(map[uint64]EntryMeta)
		idx.userToLabel = make(map[int64]uint64)
		idx.nextLabel = 0
		idx.totalVectors = 0
		idx.lastRebuildAt = nil
	}

	idx.graph.EfSearch = idx.opts.EfSearch
	idx.initialized = true
	observability.HNSWIndexSize.Set(float64(idx.totalVectors))
	slog.Info("index initialized",
		"vectors", idx.totalVectors, "next_label", idx.nextLabel)
	return nil
}

func (idx *Index) loadLocked() error {
	f, err := os.Open(idx.opts.IndexPath)
	if os.IsNotExist(err) {
		return nil // fresh start
	}
	if err != nil {
		return fmt.Errorf("open graph file: %w", err)
	}
	defer f.Close()

	// Import reads varints and needs an io.ByteReader; a bare *os.File
	// does not provide one.
	if err := idx.graph.Import(bufio.NewReader(f)); err != nil {
		return fmt.Errorf("import graph: %w", err)
	}

	raw, err := os.ReadFile(idx.opts.MetaPath)
	if err != nil {
		return fmt.Errorf("read index metadata: %w", err)
	}
	var meta fileMeta
	if err := json.Unmarshal(raw, &meta); err != nil {
		return fmt.Errorf("decode index metadata: %w", err)
	}

	idx.nextLabel = meta.NextLabel
	idx.lastRebuildAt = meta.LastRebuildAt
	idx.labelToMeta = make(map[uint64]EntryMeta, len(meta.IDMap))
	for _, p := range meta.IDMap {
		idx.labelToMeta[p.Label] = p.Meta
	}
	idx.userToLabel = make(map[int64]uint64, len(meta.ReverseIDMap))
	for _, p := range meta.ReverseIDMap {
		idx.userToLabel[p.UserID] = p.Label
	}
	idx.totalVectors = len(idx.userToLabel)
	return nil
}

// AddUser inserts a descriptor for a new user. If the user already has a
// live label the call degrades to UpdateUser.
func (idx *Index) AddUser(userID int64, descriptor models.Descriptor, meta EntryMeta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.initialized {
		return ErrNotInitialized
	}
	if _, ok := idx.userToLabel[userID]; ok {
		return idx.updateLocked(userID, descriptor, meta)
	}
	return idx.addLocked(userID, descriptor, meta)
}

func (idx *Index) addLocked(userID int64, descriptor models.Descriptor, meta EntryMeta) error {
	if idx.totalVectors >= idx.opts.MaxElements {
		return ErrCapacityExceeded
	}

	label := idx.nextLabel
	idx.nextLabel++

	vec := make([]float32, len(descriptor))
	copy(vec, descriptor)
	idx.graph.Add(hnsw.MakeNode(label, vec))

	meta.UserID = userID
	idx.labelToMeta[label] = meta
	idx.userToLabel[userID] = label
	idx.totalVectors++
	observability.HNSWIndexSize.Set(float64(idx.totalVectors))

	idx.addsSinceSave++
	if idx.addsSinceSave >= persistEvery {
		idx.addsSinceSave = 0
		idx.saveAsync()
	}
	return nil
}

// UpdateUser replaces a user's descriptor: the old label is masked, a new
// one is assigned. Old labels are never resurrected. If the user has no live
// label the call degrades to AddUser.
func (idx *Index) UpdateUser(userID int64, descriptor models.Descriptor, meta EntryMeta) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.initialized {
		return ErrNotInitialized
	}
	if _, ok := idx.userToLabel[userID]; !ok {
		return idx.addLocked(userID, descriptor, meta)
	}
	return idx.updateLocked(userID, descriptor, meta)
}

func (idx *Index) updateLocked(userID int64, descriptor models.Descriptor, meta EntryMeta) error {
	oldLabel := idx.userToLabel[userID]
	delete(idx.labelToMeta, oldLabel)

	label := idx.nextLabel
	idx.nextLabel++

	vec := make([]float32, len(descriptor))
	copy(vec, descriptor)
	idx.graph.Add(hnsw.MakeNode(label, vec))

	meta.UserID = userID
	idx.labelToMeta[label] = meta
	idx.userToLabel[userID] = label
	// totalVectors unchanged: the old point is masked, not removed.
	return nil
}

// RemoveUser masks the user's label. No-op for unknown users.
func (idx *Index) RemoveUser(userID int64) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.initialized {
		return ErrNotInitialized
	}
	label, ok := idx.userToLabel[userID]
	if !ok {
		return nil
	}
	delete(idx.labelToMeta, label)
	delete(idx.userToLabel, userID)
	if idx.totalVectors > 0 {
		idx.totalVectors--
	}
	observability.HNSWIndexSize.Set(float64(idx.totalVectors))
	return nil
}

// Search returns up to k live neighbors of query within threshold (a
// Euclidean distance), sorted by ascending distance, ties broken by label.
func (idx *Index) Search(query []float32, k int, threshold float64) ([]Result, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.initialized {
		return nil, ErrNotInitialized
	}
	if idx.totalVectors == 0 {
		return nil, nil
	}

	// Every label assigned since the last full reset corresponds to one
	// graph node, so nextLabel-totalVectors is the masked tombstone count.
	// Fetch enough candidates that the masking pass cannot shrink a full
	// result set below k.
	fetch := k + int(idx.nextLabel) - idx.totalVectors
	if fetch > int(idx.nextLabel) {
		fetch = int(idx.nextLabel)
	}

	start := time.Now()
	neighbors := idx.graph.Search(query, fetch)
	observability.HNSWSearchDuration.Observe(time.Since(start).Seconds())

	threshold2 := threshold * threshold

	type hit struct {
		label uint64
		d2    float64
		meta  EntryMeta
	}
	hits := make([]hit, 0, len(neighbors))
	for _, n := range neighbors {
		// The graph's native distance is squared L2; masked labels have no
		// meta row and are skipped.
		d2 := squaredL2(query, n.Value)
		if d2 > threshold2 {
			continue
		}
		meta, ok := idx.labelToMeta[n.Key]
		if !ok {
			continue
		}
		hits = append(hits, hit{label: n.Key, d2: d2, meta: meta})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].d2 != hits[j].d2 {
			return hits[i].d2 < hits[j].d2
		}
		return hits[i].label < hits[j].label
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	results := make([]Result, 0, len(hits))
	for _, h := range hits {
		d := math.Sqrt(h.d2)
		results = append(results, Result{
			UserID:      h.meta.UserID,
			ExternalID:  h.meta.ExternalID,
			DisplayName: h.meta.DisplayName,
			ClientRef:   h.meta.ClientRef,
			Distance:    d,
			Similarity:  int(math.Round((1 - d) * 100)),
		})
	}
	return results, nil
}

// Rebuild drops the graph and reinserts every given user, discarding all
// masked tombstones. Rows with malformed descriptors are skipped with a
// logged error. Persistence errors surface to the caller here, unlike the
// background saves.
func (idx *Index) Rebuild(users []models.User) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if !idx.initialized {
		return ErrNotInitialized
	}

	idx.graph = idx.newGraph()
	idx.labelToMeta = make(map[uint64]EntryMeta, len(users))
	idx.userToLabel = make(map[int64]uint64, len(users))
	idx.nextLabel = 0
	idx.totalVectors = 0
	idx.addsSinceSave = 0

	for _, u := range users {
		if len(u.Descriptor) != models.DescriptorDim {
			slog.Error("skip user with malformed descriptor during rebuild",
				"user_id", u.ID, "len", len(u.Descriptor))
			continue
		}
		if err := idx.addLocked(u.ID, u.Descriptor, EntryMeta{
			ExternalID:  u.ExternalID,
			DisplayName: u.DisplayName,
			ClientRef:   u.ClientRef,
		}); err != nil {
			return fmt.Errorf("rebuild insert user %d: %w", u.ID, err)
		}
	}

	now := time.Now().UTC()
	idx.lastRebuildAt = &now
	observability.HNSWIndexSize.Set(float64(idx.totalVectors))

	if err := idx.saveLocked(); err != nil {
		return fmt.Errorf("persist rebuilt index: %w", err)
	}
	slog.Info("index rebuilt", "vectors", idx.totalVectors)
	return nil
}

// Save persists the graph and metadata. Both files are written to temp
// files in the target directory and renamed into place.
func (idx *Index) Save() error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if !idx.initialized {
		return ErrNotInitialized
	}
	return idx.saveLocked()
}

func (idx *Index) saveAsync() {
	if !idx.saving.CompareAndSwap(false, true) {
		return // a save is already in flight
	}
	go func() {
		defer idx.saving.Store(false)
		if err := idx.Save(); err != nil {
			slog.Error("background index save", "error", err)
		}
	}()
}

// saveLocked requires at least a read lock held by the caller.
func (idx *Index) saveLocked() error {
	dir := filepath.Dir(idx.opts.IndexPath)

	gf, err := os.CreateTemp(dir, "index-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp graph file: %w", err)
	}
	if err := idx.graph.Export(gf); err != nil {
		gf.Close()
		os.Remove(gf.Name())
		return fmt.Errorf("export graph: %w", err)
	}
	if err := gf.Close(); err != nil {
		os.Remove(gf.Name())
		return fmt.Errorf("close temp graph file: %w", err)
	}

	meta := fileMeta{
		NextLabel:     idx.nextLabel,
		LastRebuildAt: idx.lastRebuildAt,
	}
	meta.IDMap = make([]idMapPair, 0, len(idx.labelToMeta))
	for label, m := range idx.labelToMeta {
		meta.IDMap = append(meta.IDMap, idMapPair{Label: label, Meta: m})
	}
	sort.Slice(meta.IDMap, func(i, j int) bool { return meta.IDMap[i].Label < meta.IDMap[j].Label })
	meta.ReverseIDMap = make([]reversePair, 0, len(idx.userToLabel))
	for userID, label := range idx.userToLabel {
		meta.ReverseIDMap = append(meta.ReverseIDMap, reversePair{UserID: userID, Label: label})
	}
	sort.Slice(meta.ReverseIDMap, func(i, j int) bool {
		return meta.ReverseIDMap[i].UserID < meta.ReverseIDMap[j].UserID
	})

	raw, err := json.Marshal(meta)
	if err != nil {
		os.Remove(gf.Name())
		return fmt.Errorf("encode index metadata: %w", err)
	}
	mf, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		os.Remove(gf.Name())
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	if _, err := mf.Write(raw); err != nil {
		mf.Close()
		os.Remove(gf.Name())
		os.Remove(mf.Name())
		return fmt.Errorf("write index metadata: %w", err)
	}
	if err := mf.Close(); err != nil {
		os.Remove(gf.Name())
		os.Remove(mf.Name())
		return fmt.Errorf("close temp metadata file: %w", err)
	}

	if err := os.Rename(gf.Name(), idx.opts.IndexPath); err != nil {
		os.Remove(gf.Name())
		os.Remove(mf.Name())
		return fmt.Errorf("rename graph file: %w", err)
	}
	if err := os.Rename(mf.Name(), idx.opts.MetaPath); err != nil {
		os.Remove(mf.Name())
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// Size returns the live vector count, excluding masked tombstones.
func (idx *Index) Size() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.totalVectors
}

// Initialized reports whether Init has completed.
func (idx *Index) Initialized() bool {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.initialized
}

type Stats struct {
	Dim            int        `json:"dim"`
	M              int        `json:"m"`
	EfConstruction int        `json:"ef_construction"`
	EfSearch       int        `json:"ef_search"`
	MaxElements    int        `json:"max_elements"`
	LiveVectors    int        `json:"live_vectors"`
	NextLabel      uint64     `json:"next_label"`
	LastRebuildAt  *time.Time `json:"last_rebuild_at"`
	Initialized    bool       `json:"initialized"`
}

func (idx *Index) Stats() Stats {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return Stats{
		Dim:            models.DescriptorDim,
		M:              idx.opts.M,
		EfConstruction: idx.opts.EfConstruction,
		EfSearch:       idx.opts.EfSearch,
		MaxElements:    idx.opts.MaxElements,
		LiveVectors:    idx.totalVectors,
		NextLabel:      idx.nextLabel,
		LastRebuildAt:  idx.lastRebuildAt,
		Initialized:    idx.initialized,
	}
}

func squaredL2(a, b []float32) float64 {
	var sum float64
	for i := range a {
		d := float64(a[i]) - float64(b[i])
		sum += d * d
	}
	return sum
}

// --- on-disk metadata layout ---
//
// The metadata file stores the two side maps as arrays of pairs:
// {"nextLabel":N,"lastRebuildAt":...,"idMap":[[label,{...}],...],
//  "reverseIdMap":[[userId,label],...]}

type fileMeta struct {
	NextLabel     uint64        `json:"nextLabel"`
	LastRebuildAt *time.Time    `json:"lastRebuildAt"`
	IDMap         []idMapPair   `json:"idMap"`
	ReverseIDMap  []reversePair `json:"reverseIdMap"`
}

type idMapPair struct {
	Label uint64
	Meta  EntryMeta
}

func (p idMapPair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.Label, p.Meta})
}

func (p *idMapPair) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("idMap pair has %d elements, want 2", len(raw))
	}
	if err := json.Unmarshal(raw[0], &p.Label); err != nil {
		return err
	}
	return json.Unmarshal(raw[1], &p.Meta)
}

type reversePair struct {
	UserID int64
	Label  uint64
}

func (p reversePair) MarshalJSON() ([]byte, error) {
	return json.Marshal([]any{p.UserID, p.Label})
}

func (p *reversePair) UnmarshalJSON(data []byte) error {
	var raw []json.Number
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	if len(raw) != 2 {
		return fmt.Errorf("reverseIdMap pair has %d elements, want 2", len(raw))
	}
	uid, err := raw[0].Int64()
	if err != nil {
		return err
	}
	label, err := raw[1].Int64()
	if err != nil {
		return err
	}
	p.UserID = uid
	p.Label = uint64(label)
	return nil
}

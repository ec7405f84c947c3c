package index

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/your-org/faceid/internal/models"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	idx := New(Options{
		IndexPath:      filepath.Join(dir, "index.hnsw"),
		MetaPath:       filepath.Join(dir, "index.meta.json"),
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		MaxElements:    1000,
	})
	if err := idx.Init(); err != nil {
		t.Fatalf("init index: %v", err)
	}
	return idx
}

// axisDescriptor returns a unit vector along the given axis. Any two of them
// are √2 apart, comfortably separable.
func axisDescriptor(axis int) models.Descriptor {
	d := make(models.Descriptor, models.DescriptorDim)
	d[axis%models.DescriptorDim] = 1
	return d
}

// lineDescriptor places users at quadratically spaced positions along one
// axis. Every pairwise distance is distinct, so nearest-neighbor order is
// unambiguous and stable across restarts.
func lineDescriptor(i int) models.Descriptor {
	d := make(models.Descriptor, models.DescriptorDim)
	d[0] = float32(i*i) / 100
	return d
}

func TestUseBeforeInit(t *testing.T) {
	idx := New(Options{M: 16, EfSearch: 100, MaxElements: 10})
	if err := idx.AddUser(1, axisDescriptor(0), EntryMeta{}); err != ErrNotInitialized {
		t.Fatalf("AddUser before Init: got %v, want ErrNotInitialized", err)
	}
	if _, err := idx.Search(axisDescriptor(0), 1, 10); err != ErrNotInitialized {
		t.Fatalf("Search before Init: got %v, want ErrNotInitialized", err)
	}
}

func TestAddAndSearchSelf(t *testing.T) {
	idx := newTestIndex(t)

	for i := 0; i < 10; i++ {
		err := idx.AddUser(int64(i+1), axisDescriptor(i), EntryMeta{ExternalID: "u" + string(rune('0'+i))})
		if err != nil {
			t.Fatalf("add user %d: %v", i+1, err)
		}
	}
	if idx.Size() != 10 {
		t.Fatalf("size = %d, want 10", idx.Size())
	}

	results, err := idx.Search(axisDescriptor(3), 1, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("search returned no results")
	}
	top := results[0]
	if top.UserID != 4 {
		t.Errorf("top-1 user = %d, want 4", top.UserID)
	}
	if top.Distance > 1e-5 {
		t.Errorf("self distance = %g, want ~0", top.Distance)
	}
	if top.Similarity != 100 {
		t.Errorf("self similarity = %d, want 100", top.Similarity)
	}
}

func TestRemoveUserMasksResults(t *testing.T) {
	idx := newTestIndex(t)

	d := axisDescriptor(0)
	if err := idx.AddUser(1, d, EntryMeta{ExternalID: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.AddUser(2, axisDescriptor(1), EntryMeta{ExternalID: "b"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.RemoveUser(1); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("size after remove = %d, want 1", idx.Size())
	}

	results, err := idx.Search(d, 10, 100)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	for _, r := range results {
		if r.UserID == 1 {
			t.Fatal("removed user still returned from search")
		}
	}

	// Removing again is a no-op.
	if err := idx.RemoveUser(1); err != nil {
		t.Fatalf("second remove: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("size after double remove = %d, want 1", idx.Size())
	}
}

func TestUpdateUserChangesIdentity(t *testing.T) {
	idx := newTestIndex(t)

	oldD := axisDescriptor(0)
	newD := axisDescriptor(1)
	if err := idx.AddUser(1, oldD, EntryMeta{ExternalID: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	if err := idx.UpdateUser(1, newD, EntryMeta{ExternalID: "a"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("size after update = %d, want 1", idx.Size())
	}

	results, err := idx.Search(newD, 1, 10)
	if err != nil {
		t.Fatalf("search new descriptor: %v", err)
	}
	if len(results) == 0 || results[0].UserID != 1 || results[0].Distance > 1e-5 {
		t.Fatalf("new descriptor does not resolve to user 1: %+v", results)
	}

	// Old and new descriptors are √2 apart; a tighter threshold must not
	// surface the user via the old point.
	results, err = idx.Search(oldD, 5, 1.0)
	if err != nil {
		t.Fatalf("search old descriptor: %v", err)
	}
	for _, r := range results {
		if r.UserID == 1 {
			t.Fatal("old descriptor still matches after update")
		}
	}
}

func TestUpdateUnknownUserAdds(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.UpdateUser(7, axisDescriptor(0), EntryMeta{ExternalID: "g"}); err != nil {
		t.Fatalf("update unknown: %v", err)
	}
	if idx.Size() != 1 {
		t.Fatalf("size = %d, want 1", idx.Size())
	}
}

func TestSearchThresholdFiltering(t *testing.T) {
	idx := newTestIndex(t)
	if err := idx.AddUser(1, axisDescriptor(0), EntryMeta{ExternalID: "a"}); err != nil {
		t.Fatalf("add: %v", err)
	}

	query := axisDescriptor(1) // distance √2 from user 1
	results, err := idx.Search(query, 5, 1.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("threshold 1.0 returned %d results, want 0", len(results))
	}

	results, err = idx.Search(query, 5, 2.0)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("threshold 2.0 returned %d results, want 1", len(results))
	}
	if got, want := results[0].Distance, math.Sqrt2; math.Abs(got-want) > 1e-5 {
		t.Errorf("distance = %g, want %g", got, want)
	}
}

func TestSearchTieBreaksByLabel(t *testing.T) {
	idx := newTestIndex(t)

	d := axisDescriptor(0)
	for id := int64(1); id <= 3; id++ {
		if err := idx.AddUser(id, d, EntryMeta{ExternalID: "dup"}); err != nil {
			t.Fatalf("add %d: %v", id, err)
		}
	}

	results, err := idx.Search(d, 3, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3", len(results))
	}
	// Labels were assigned in insertion order, so equal distances come back
	// in user order.
	for i, r := range results {
		if r.UserID != int64(i+1) {
			t.Fatalf("result %d user = %d, want %d", i, r.UserID, i+1)
		}
	}
}

func TestCapacityExceeded(t *testing.T) {
	dir := t.TempDir()
	idx := New(Options{
		IndexPath:   filepath.Join(dir, "index.hnsw"),
		MetaPath:    filepath.Join(dir, "index.meta.json"),
		M:           16,
		EfSearch:    100,
		MaxElements: 2,
	})
	if err := idx.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := idx.AddUser(1, axisDescriptor(0), EntryMeta{}); err != nil {
		t.Fatalf("add 1: %v", err)
	}
	if err := idx.AddUser(2, axisDescriptor(1), EntryMeta{}); err != nil {
		t.Fatalf("add 2: %v", err)
	}
	if err := idx.AddUser(3, axisDescriptor(2), EntryMeta{}); err != ErrCapacityExceeded {
		t.Fatalf("add over capacity: got %v, want ErrCapacityExceeded", err)
	}
}

func TestRebuildDiscardsTombstones(t *testing.T) {
	idx := newTestIndex(t)

	users := make([]models.User, 0, 5)
	for i := 0; i < 5; i++ {
		d := axisDescriptor(i)
		id := int64(i + 1)
		if err := idx.AddUser(id, d, EntryMeta{ExternalID: "u"}); err != nil {
			t.Fatalf("add: %v", err)
		}
		users = append(users, models.User{ID: id, ExternalID: "u", Descriptor: d})
	}
	// Mask two users, then rebuild from a fresh listing of three.
	if err := idx.RemoveUser(4); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := idx.RemoveUser(5); err != nil {
		t.Fatalf("remove: %v", err)
	}

	live := users[:3]
	// A malformed descriptor must be skipped, not abort the rebuild.
	live = append(live, models.User{ID: 99, ExternalID: "bad", Descriptor: models.Descriptor{1, 2, 3}})
	if err := idx.Rebuild(live); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if idx.Size() != 3 {
		t.Fatalf("size after rebuild = %d, want 3", idx.Size())
	}

	stats := idx.Stats()
	if stats.LastRebuildAt == nil {
		t.Error("lastRebuildAt not stamped")
	}
	if stats.NextLabel != 3 {
		t.Errorf("nextLabel after rebuild = %d, want 3", stats.NextLabel)
	}

	results, err := idx.Search(users[0].Descriptor, 1, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) == 0 || results[0].UserID != 1 {
		t.Fatalf("rebuilt index does not resolve user 1: %+v", results)
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		IndexPath:      filepath.Join(dir, "index.hnsw"),
		MetaPath:       filepath.Join(dir, "index.meta.json"),
		M:              16,
		EfConstruction: 200,
		EfSearch:       100,
		MaxElements:    1000,
	}

	idx := New(opts)
	if err := idx.Init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	for i := 0; i < 20; i++ {
		err := idx.AddUser(int64(i+1), lineDescriptor(i), EntryMeta{ExternalID: "ext", DisplayName: "n"})
		if err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	// Mask one so the tombstone state round-trips too.
	if err := idx.RemoveUser(20); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := idx.Save(); err != nil {
		t.Fatalf("save: %v", err)
	}

	reloaded := New(opts)
	if err := reloaded.Init(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.Size() != idx.Size() {
		t.Fatalf("reloaded size = %d, want %d", reloaded.Size(), idx.Size())
	}
	if got, want := reloaded.Stats().NextLabel, idx.Stats().NextLabel; got != want {
		t.Fatalf("reloaded nextLabel = %d, want %d", got, want)
	}

	// User 8 sits at the query point; users 7 and 9 are its unambiguous
	// runners-up.
	query := lineDescriptor(7)
	before, err := idx.Search(query, 3, 10)
	if err != nil {
		t.Fatalf("search before: %v", err)
	}
	after, err := reloaded.Search(query, 3, 10)
	if err != nil {
		t.Fatalf("search after: %v", err)
	}
	if len(before) != len(after) {
		t.Fatalf("result count changed across restart: %d vs %d", len(before), len(after))
	}
	for i := range before {
		if before[i].UserID != after[i].UserID {
			t.Errorf("result %d user changed across restart: %d vs %d",
				i, before[i].UserID, after[i].UserID)
		}
	}
	if len(after) == 0 || after[0].UserID != 8 || after[0].Distance > 1e-5 {
		t.Fatalf("exact match lost across restart: %+v", after)
	}
	// The masked user stays masked after reload.
	all, err := reloaded.Search(lineDescriptor(19), 20, 10)
	if err != nil {
		t.Fatalf("search reloaded: %v", err)
	}
	for _, r := range all {
		if r.UserID == 20 {
			t.Fatal("removed user resurfaced after reload")
		}
	}
}

func TestSearchSkipsTombstonesWithoutShrinking(t *testing.T) {
	idx := newTestIndex(t)

	for i := 1; i <= 5; i++ {
		if err := idx.AddUser(int64(i), lineDescriptor(i), EntryMeta{ExternalID: "u"}); err != nil {
			t.Fatalf("add %d: %v", i, err)
		}
	}
	// Mask the two users nearest the query; their graph points remain as
	// tombstones and must not crowd live users out of a full result set.
	if err := idx.RemoveUser(3); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := idx.RemoveUser(4); err != nil {
		t.Fatalf("remove: %v", err)
	}

	results, err := idx.Search(lineDescriptor(3), 3, 10)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("got %d results, want 3 live users", len(results))
	}
	for _, r := range results {
		if r.UserID == 3 || r.UserID == 4 {
			t.Fatalf("masked user %d returned", r.UserID)
		}
	}
}

func TestInitWithCorruptFilesStartsEmpty(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		IndexPath:   filepath.Join(dir, "index.hnsw"),
		MetaPath:    filepath.Join(dir, "index.meta.json"),
		M:           16,
		EfSearch:    100,
		MaxElements: 10,
	}
	if err := os.WriteFile(opts.IndexPath, []byte("not a graph"), 0o644); err != nil {
		t.Fatalf("write corrupt file: %v", err)
	}

	idx := New(opts)
	if err := idx.Init(); err != nil {
		t.Fatalf("init with corrupt file should not fail: %v", err)
	}
	if idx.Size() != 0 {
		t.Fatalf("size = %d, want 0", idx.Size())
	}
	if err := idx.AddUser(1, axisDescriptor(0), EntryMeta{}); err != nil {
		t.Fatalf("add after corrupt init: %v", err)
	}
}

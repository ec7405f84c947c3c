package handlers

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/your-org/faceid/internal/batch"
	"github.com/your-org/faceid/internal/cache"
	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/index"
	"github.com/your-org/faceid/internal/models"
	"github.com/your-org/faceid/internal/recognition"
	"github.com/your-org/faceid/internal/storage"
	"github.com/your-org/faceid/internal/vision"
)

type stubEmbedder struct {
	faces map[string]*vision.FaceResult
}

func (s *stubEmbedder) DetectAndEmbed(_ context.Context, imageData []byte, _ vision.Mode) (*vision.FaceResult, error) {
	face, ok := s.faces[string(imageData)]
	if !ok {
		return nil, vision.ErrNoFace
	}
	return face, nil
}

type stubStore struct {
	mu     sync.Mutex
	nextID int64
	users  map[string]*models.User
}

func newStubStore() *stubStore {
	return &stubStore{users: make(map[string]*models.User)}
}

func (s *stubStore) Create(_ context.Context, u *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[u.ExternalID]; ok {
		return storage.ErrDuplicate
	}
	s.nextID++
	u.ID = s.nextID
	u.Active = true
	u.CreatedAt = time.Now().UTC()
	u.UpdatedAt = u.CreatedAt
	clone := *u
	s.users[u.ExternalID] = &clone
	return nil
}

func (s *stubStore) FindByExternalID(_ context.Context, externalID string) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[externalID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	clone := *u
	return &clone, nil
}

func (s *stubStore) UpdateDescriptor(_ context.Context, userID int64, d models.Descriptor, confidence float32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, u := range s.users {
		if u.ID == userID {
			u.Descriptor = d
			u.Confidence = confidence
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *stubStore) SoftDelete(_ context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for ext, u := range s.users {
		if u.ID == userID {
			delete(s.users, ext)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (s *stubStore) CountActive(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.users)), nil
}

func (s *stubStore) TouchRecognition(context.Context, int64) error { return nil }

func (s *stubStore) AppendLog(context.Context, *models.RecognitionLog) error { return nil }

func (s *stubStore) ListActive(context.Context) ([]models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	return out, nil
}

func testFace() *vision.FaceResult {
	d := make(models.Descriptor, models.DescriptorDim)
	d[0] = 1
	return &vision.FaceResult{
		Descriptor:     d,
		Box:            vision.Box{X: 10, Y: 10, W: 120, H: 140},
		DetectionScore: 0.96,
		HasLandmarks:   true,
	}
}

func newTestRouter(t *testing.T, embedder *stubEmbedder, store *stubStore) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dir := t.TempDir()
	idx := index.New(index.Options{
		IndexPath:   filepath.Join(dir, "index.hnsw"),
		MetaPath:    filepath.Join(dir, "index.meta.json"),
		M:           16,
		EfSearch:    100,
		MaxElements: 100,
	})
	if err := idx.Init(); err != nil {
		t.Fatalf("init index: %v", err)
	}
	resultCache := cache.New(context.Background(), "", time.Minute, 100)

	coordinator := recognition.NewCoordinator(store, embedder, idx, resultCache, config.RecognitionConfig{
		Profile:             "balanced",
		ConfidenceThreshold: 0.42,
		MinFaceSize:         40,
		MaxFaceSize:         2000,
		DetectionConfidence: 0.8,
	}, time.Minute)
	engine := batch.NewEngine(coordinator, store, 50, 4, time.Hour)
	t.Cleanup(engine.Stop)

	r := gin.New()
	recH := NewRecognitionHandler(coordinator)
	r.POST("/recognition/register", recH.Register)
	r.POST("/recognition/recognize", recH.Recognize)
	r.PUT("/recognition/update", recH.Update)
	r.DELETE("/recognition/users/:externalId", recH.Delete)
	r.GET("/recognition/profile", recH.GetProfile)
	r.PUT("/recognition/profile", recH.SetProfile)

	batchH := NewBatchHandler(engine)
	r.POST("/recognition/batch", batchH.Create)
	r.GET("/recognition/batch", batchH.List)
	r.GET("/recognition/batch/:jobId", batchH.Get)

	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestRegisterAndRecognize(t *testing.T) {
	img := []byte("face-of-ada")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	encoded := base64.StdEncoding.EncodeToString(img)

	w := doJSON(t, r, http.MethodPost, "/recognition/register", gin.H{
		"external_id":  "A1",
		"display_name": "Ada",
		"image":        encoded,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}

	w = doJSON(t, r, http.MethodPost, "/recognition/recognize", gin.H{"image": encoded})
	if w.Code != http.StatusOK {
		t.Fatalf("recognize status = %d, body %s", w.Code, w.Body.String())
	}
	var resp struct {
		Match struct {
			ExternalID string `json:"external_id"`
			Similarity int    `json:"similarity"`
		} `json:"match"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Match.ExternalID != "A1" {
		t.Errorf("matched %q, want A1", resp.Match.ExternalID)
	}
	if resp.Match.Similarity < 90 {
		t.Errorf("similarity = %d, want >= 90", resp.Match.Similarity)
	}
}

func TestRegisterDuplicate(t *testing.T) {
	img := []byte("face")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	body := gin.H{"external_id": "A1", "image": base64.StdEncoding.EncodeToString(img)}
	if w := doJSON(t, r, http.MethodPost, "/recognition/register", body); w.Code != http.StatusCreated {
		t.Fatalf("first register status = %d", w.Code)
	}
	if w := doJSON(t, r, http.MethodPost, "/recognition/register", body); w.Code != http.StatusConflict {
		t.Fatalf("duplicate register status = %d, want 409", w.Code)
	}
}

func TestRegisterBadRequests(t *testing.T) {
	r := newTestRouter(t, &stubEmbedder{}, newStubStore())

	// Missing required fields.
	if w := doJSON(t, r, http.MethodPost, "/recognition/register", gin.H{}); w.Code != http.StatusBadRequest {
		t.Errorf("empty body status = %d, want 400", w.Code)
	}
	// Bad base64.
	w := doJSON(t, r, http.MethodPost, "/recognition/register", gin.H{
		"external_id": "A1",
		"image":       "!!!not-base64!!!",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad base64 status = %d, want 400", w.Code)
	}
	// Valid base64, no detectable face.
	w = doJSON(t, r, http.MethodPost, "/recognition/register", gin.H{
		"external_id": "A1",
		"image":       base64.StdEncoding.EncodeToString([]byte("blank")),
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("no-face status = %d, want 400", w.Code)
	}
}

func TestRecognizeNoMatch(t *testing.T) {
	img := []byte("stranger")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	w := doJSON(t, r, http.MethodPost, "/recognition/recognize", gin.H{
		"image": base64.StdEncoding.EncodeToString(img),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestUpdateMissingUser(t *testing.T) {
	img := []byte("face")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	w := doJSON(t, r, http.MethodPut, "/recognition/update", gin.H{
		"external_id": "ghost",
		"image":       base64.StdEncoding.EncodeToString(img),
	})
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestDeleteUser(t *testing.T) {
	img := []byte("face")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	body := gin.H{"external_id": "A1", "image": base64.StdEncoding.EncodeToString(img)}
	if w := doJSON(t, r, http.MethodPost, "/recognition/register", body); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodDelete, "/recognition/users/A1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("delete status = %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodDelete, "/recognition/users/A1", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("second delete status = %d, want 404", w.Code)
	}
}

func TestProfileEndpoints(t *testing.T) {
	r := newTestRouter(t, &stubEmbedder{}, newStubStore())

	w := doJSON(t, r, http.MethodPut, "/recognition/profile", gin.H{"profile": "fast"})
	if w.Code != http.StatusOK {
		t.Fatalf("set profile status = %d", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/recognition/profile", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	var settings struct {
		Profile   string  `json:"profile"`
		Threshold float64 `json:"confidence_threshold"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &settings); err != nil {
		t.Fatalf("decode settings: %v", err)
	}
	if settings.Profile != "fast" || settings.Threshold != 0.55 {
		t.Errorf("settings = %+v", settings)
	}

	if w := doJSON(t, r, http.MethodPut, "/recognition/profile", gin.H{"profile": "bogus"}); w.Code != http.StatusBadRequest {
		t.Errorf("bogus profile status = %d, want 400", w.Code)
	}
}

func TestBatchEndpoints(t *testing.T) {
	img := []byte("batch-face")
	embedder := &stubEmbedder{faces: map[string]*vision.FaceResult{string(img): testFace()}}
	r := newTestRouter(t, embedder, newStubStore())

	encoded := base64.StdEncoding.EncodeToString(img)

	// Register so one item matches.
	if w := doJSON(t, r, http.MethodPost, "/recognition/register", gin.H{
		"external_id": "A1", "image": encoded,
	}); w.Code != http.StatusCreated {
		t.Fatalf("register status = %d", w.Code)
	}

	w := doJSON(t, r, http.MethodPost, "/recognition/batch", gin.H{
		"images": []gin.H{
			{"id": "x", "image": encoded},
			{"id": "y", "image": base64.StdEncoding.EncodeToString([]byte("nobody"))},
		},
	})
	if w.Code != http.StatusAccepted {
		t.Fatalf("batch create status = %d, body %s", w.Code, w.Body.String())
	}
	var created struct {
		ID    string `json:"id"`
		Total int    `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode job: %v", err)
	}
	if created.Total != 2 {
		t.Errorf("total = %d, want 2", created.Total)
	}

	// Poll until terminal.
	deadline := time.Now().Add(5 * time.Second)
	var job struct {
		Status    string `json:"status"`
		Processed int    `json:"processed"`
		Progress  int    `json:"progress"`
	}
	for {
		req := httptest.NewRequest(http.MethodGet, "/recognition/batch/"+created.ID, nil)
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("get job status = %d", rec.Code)
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &job); err != nil {
			t.Fatalf("decode job: %v", err)
		}
		if job.Status == "completed" || job.Status == "failed" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never finished: %+v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if job.Status != "completed" || job.Processed != 2 || job.Progress != 100 {
		t.Errorf("job = %+v", job)
	}

	// Unknown job id.
	req := httptest.NewRequest(http.MethodGet, "/recognition/batch/nope", nil)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown job status = %d, want 404", rec.Code)
	}

	// Empty batch is rejected.
	if w := doJSON(t, r, http.MethodPost, "/recognition/batch", gin.H{"images": []gin.H{}}); w.Code != http.StatusBadRequest {
		t.Errorf("empty batch status = %d, want 400", w.Code)
	}
}

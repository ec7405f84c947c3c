package vision

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path/filepath"

	"github.com/your-org/faceid/internal/config"
	"github.com/your-org/faceid/internal/models"
)

var (
	// ErrInvalidImage covers undecodable bytes and out-of-range dimensions.
	ErrInvalidImage = errors.New("invalid image")
	// ErrNoFace means the detector found nothing above the mode's threshold.
	ErrNoFace = errors.New("no face detected")
	// ErrTimeout means one detect+embed call exceeded the operation budget.
	ErrTimeout = errors.New("vision operation timed out")
)

// Mode selects the detector profile for one call.
type Mode int

const (
	// ModeRegister favors precision: enrollment must not index a bad crop.
	ModeRegister Mode = iota
	// ModeRecognize favors speed on the hot identify path.
	ModeRecognize
	// ModePrecise is the strictest profile, for offline verification.
	ModePrecise
)

func (m Mode) String() string {
	switch m {
	case ModeRegister:
		return "register"
	case ModeRecognize:
		return "recognize"
	case ModePrecise:
		return "precise"
	default:
		return "unknown"
	}
}

// Box is a face bounding box in source-image pixels.
type Box struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// FaceResult is the outcome of one detect+embed call.
type FaceResult struct {
	Descriptor     models.Descriptor
	Box            Box
	DetectionScore float32
	HasLandmarks   bool
}

// Adapter is the single entry point to the vision models: it owns the ONNX
// sessions and hides them behind DetectAndEmbed. No other package touches
// the runtime.
type Adapter struct {
	detector *Detector
	embedder *Embedder
	cfg      config.VisionConfig
}

// NewAdapter loads the detection and embedding models.
func NewAdapter(cfg config.VisionConfig) (*Adapter, error) {
	detPath := filepath.Join(cfg.ModelsDir, "det_10g.onnx")
	embPath := filepath.Join(cfg.ModelsDir, "face_descriptor_128.onnx")

	slog.Info("loading detection model", "path", detPath)
	det, err := NewDetector(detPath, nil)
	if err != nil {
		return nil, fmt.Errorf("load detector: %w", err)
	}

	slog.Info("loading descriptor model", "path", embPath)
	emb, err := NewEmbedder(embPath, nil)
	if err != nil {
		det.Close()
		return nil, fmt.Errorf("load embedder: %w", err)
	}

	return &Adapter{detector: det, embedder: emb, cfg: cfg}, nil
}

func (a *Adapter) thresholdFor(mode Mode) float32 {
	switch mode {
	case ModeRegister:
		return float32(a.cfg.RegisterThreshold)
	case ModePrecise:
		return float32(a.cfg.PreciseThreshold)
	default:
		return float32(a.cfg.RecognizeThreshold)
	}
}

// DetectAndEmbed decodes the image, detects the largest face with the mode's
// detector profile, and extracts its descriptor. The call is bounded by the
// configured operation timeout; the ONNX sessions are serialized internally,
// so a timed-out run finishes in the background before the next one starts.
func (a *Adapter) DetectAndEmbed(ctx context.Context, imageData []byte, mode Mode) (*FaceResult, error) {
	img, err := decodeAndValidate(imageData)
	if err != nil {
		return nil, err
	}

	timeout := a.cfg.OperationTimeout
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result *FaceResult
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := a.run(img, mode)
		done <- outcome{result: r, err: err}
	}()

	select {
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, ctx.Err()
	case out := <-done:
		return out.result, out.err
	}
}

func (a *Adapter) run(img image.Image, mode Mode) (*FaceResult, error) {
	bounds := img.Bounds()
	origW := bounds.Dx()
	origH := bounds.Dy()

	detInput := preprocessForDetection(img, a.detector.inputW, a.detector.inputH)
	detections, err := a.detector.Detect(detInput, origW, origH, a.thresholdFor(mode))
	if err != nil {
		return nil, fmt.Errorf("detect: %w", err)
	}
	if len(detections) == 0 {
		return nil, ErrNoFace
	}

	// Largest face wins; secondary faces in the frame are ignored.
	best := detections[0]
	bestArea := area(best.BBox)
	for _, d := range detections[1:] {
		if a := area(d.BBox); a > bestArea {
			best = d
			bestArea = a
		}
	}

	faceCrop := cropFace(img, best.BBox)
	if faceCrop == nil {
		return nil, ErrNoFace
	}

	embInput := preprocessForEmbedding(faceCrop, a.embedder.inputW, a.embedder.inputH)
	descriptor, err := a.embedder.Extract(embInput)
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}

	box := Box{
		X: int(best.BBox[0]),
		Y: int(best.BBox[1]),
		W: int(best.BBox[2] - best.BBox[0]),
		H: int(best.BBox[3] - best.BBox[1]),
	}

	return &FaceResult{
		Descriptor:     descriptor,
		Box:            box,
		DetectionScore: best.Confidence,
		HasLandmarks:   best.HasLandmarks(),
	}, nil
}

// Warmup pushes one blank frame through both sessions so the first real
// request doesn't pay the lazy-initialization cost.
func (a *Adapter) Warmup(ctx context.Context) error {
	done := make(chan error, 1)
	go func() {
		blank := make([]float32, 3*a.detector.inputH*a.detector.inputW)
		if _, err := a.detector.Detect(blank, a.detector.inputW, a.detector.inputH, 0.99); err != nil {
			done <- fmt.Errorf("warm up detector: %w", err)
			return
		}
		face := make([]float32, 3*a.embedder.inputH*a.embedder.inputW)
		if _, err := a.embedder.Extract(face); err != nil {
			done <- fmt.Errorf("warm up embedder: %w", err)
			return
		}
		done <- nil
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("warmup: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			slog.Info("vision models warmed up")
		}
		return err
	}
}

// Close releases all ONNX sessions.
func (a *Adapter) Close() {
	if a.detector != nil {
		a.detector.Close()
	}
	if a.embedder != nil {
		a.embedder.Close()
	}
}

func area(bbox [4]float32) float32 {
	return (bbox[2] - bbox[0]) * (bbox[3] - bbox[1])
}

package recognition

import "fmt"

// Named threshold presets. The threshold is a Euclidean distance cutoff:
// tighter means fewer false accepts, looser means fewer false rejects.
var profileThresholds = map[string]float64{
	"high_security": 0.25,
	"balanced":      0.42,
	"fast":          0.55,
	"permissive":    0.65,
}

// Settings is the hot-swappable part of the coordinator's configuration.
type Settings struct {
	Profile             string  `json:"profile"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	MinFaceSize         int     `json:"min_face_size"`
	MaxFaceSize         int     `json:"max_face_size"`
	DetectionConfidence float64 `json:"detection_confidence"`
}

// ApplyProfile switches the coordinator to a named preset without a restart.
// The preset only moves the match threshold; face-size and detection limits
// stay as configured.
func (c *Coordinator) ApplyProfile(name string) error {
	threshold, ok := profileThresholds[name]
	if !ok {
		return fmt.Errorf("unknown profile %q", name)
	}
	c.mu.Lock()
	c.settings.Profile = name
	c.settings.ConfidenceThreshold = threshold
	c.mu.Unlock()
	return nil
}

// SetThreshold overrides the match cutoff directly, detaching the settings
// from any named profile.
func (c *Coordinator) SetThreshold(threshold float64) {
	c.mu.Lock()
	c.settings.Profile = "custom"
	c.settings.ConfidenceThreshold = threshold
	c.mu.Unlock()
}

// CurrentSettings returns a copy of the live settings.
func (c *Coordinator) CurrentSettings() Settings {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.settings
}

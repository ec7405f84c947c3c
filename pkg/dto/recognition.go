package dto

// RegisterRequest enrolls a new user from a base64 image.
type RegisterRequest struct {
	ExternalID  string `json:"external_id" binding:"required"`
	DisplayName string `json:"display_name"`
	ClientRef   string `json:"client_ref"`
	Image       string `json:"image" binding:"required"`
}

// RecognizeRequest identifies one base64 image.
type RecognizeRequest struct {
	Image string `json:"image" binding:"required"`
}

// UpdateRequest replaces an enrolled user's descriptor.
type UpdateRequest struct {
	ExternalID string `json:"external_id" binding:"required"`
	Image      string `json:"image" binding:"required"`
}

// UserResponse is the public user summary (no descriptor).
type UserResponse struct {
	ID                int64   `json:"id"`
	ExternalID        string  `json:"external_id"`
	DisplayName       string  `json:"display_name"`
	ClientRef         string  `json:"client_ref"`
	Confidence        float32 `json:"confidence"`
	Active            bool    `json:"active"`
	CreatedAt         string  `json:"created_at"`
	UpdatedAt         string  `json:"updated_at"`
	LastRecognitionAt string  `json:"last_recognition_at,omitempty"`
	RecognitionCount  int64   `json:"recognition_count"`
}

// RegisterResponse is returned on successful enrollment and update.
type RegisterResponse struct {
	User         UserResponse `json:"user"`
	Confidence   float32      `json:"confidence"`
	Box          BoxResponse  `json:"box"`
	ProcessingMs int64        `json:"processing_ms"`
}

// BoxResponse is a face bounding box in source-image pixels.
type BoxResponse struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// MatchResponse is one identified user.
type MatchResponse struct {
	UserID      int64   `json:"user_id"`
	ExternalID  string  `json:"external_id"`
	DisplayName string  `json:"display_name"`
	ClientRef   string  `json:"client_ref"`
	Distance    float64 `json:"distance"`
	Similarity  int     `json:"similarity"`
}

// RecognizeResponse is returned on a successful match.
type RecognizeResponse struct {
	Match        MatchResponse `json:"match"`
	Confidence   float64       `json:"confidence"`
	Backend      string        `json:"backend"`
	CacheHit     bool          `json:"cache_hit"`
	ProcessingMs int64         `json:"processing_ms"`
}

// ProfileRequest hot-swaps the recognition settings: either a named preset or
// an explicit threshold.
type ProfileRequest struct {
	Profile   string   `json:"profile"`
	Threshold *float64 `json:"threshold"`
}

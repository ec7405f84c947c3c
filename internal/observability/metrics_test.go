package observability

import "testing"

func TestNormalizeRoute(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/health", "/health"},
		{"/v1/recognition/recognize", "/v1/recognition/recognize"},
		{"/v1/recognition/users/12345", "/v1/recognition/users/:id"},
		{"/v1/recognition/batch/8f14e45f-ceea-467f-a1d4-91b2c3d4e5f6", "/v1/recognition/batch/:uuid"},
		{"/v1/recognition/users/cust42x9", "/v1/recognition/users/:ci"},
		// Literal route words survive: no digits, so not an identifier.
		{"/recognition/register", "/recognition/register"},
		{"/v1/recognition/index/rebuild", "/v1/recognition/index/rebuild"},
		{"", ""},
	}

	for _, tt := range tests {
		if got := NormalizeRoute(tt.path); got != tt.want {
			t.Errorf("NormalizeRoute(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

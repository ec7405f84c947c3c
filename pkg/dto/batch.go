package dto

// BatchItem is one image in a batch request. ID is caller-supplied
// correlation, echoed back on the item's result or error.
type BatchItem struct {
	ID    string `json:"id"`
	Image string `json:"image" binding:"required"`
}

// BatchRequest submits up to the configured maximum of images for
// identification.
type BatchRequest struct {
	Images []BatchItem `json:"images" binding:"required"`
}

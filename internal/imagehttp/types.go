package imagehttp

// DetailsPrompt is returned when the caller has not confirmed a detailed description yet
const DetailsPrompt = "To create the best possible image, it would be helpful if you could provide some details about what you'd like to see in the image"

// GenerateRequest is the body of POST /api/images
type GenerateRequest struct {
	Prompt string `json:"prompt"`
	// IsDetails is true once the caller has supplied a detailed description to generate from
	IsDetails bool `json:"is_details"`
}

type GenerateResponse struct {
	Message string `json:"message"`
	URL     string `json:"url,omitempty"`
	Key     string `json:"key,omitempty"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// UsageResponse is the body of GET /api/ratelimit
type UsageResponse struct {
	Identity string        `json:"identity"`
	Exempt   bool          `json:"exempt"`
	Policies []PolicyUsage `json:"policies"`
}

type PolicyUsage struct {
	Policy        string `json:"policy"`
	Limit         int    `json:"limit"`
	WindowSeconds int64  `json:"window_seconds"`
	Count         int    `json:"count"`
	Remaining     int    `json:"remaining"`
}

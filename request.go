package imagebroker

// Boundary defaults and clamps. Attribute validation (enum membership)
// belongs to the web layer; these are the defensive re-checks applied on
// entry to the broker.
const (
	MaxImagesPerRequest = 10
	DefaultModel        = ModelBatch
	DefaultSize         = "1024x1024"
	DefaultQuality      = "standard"
	DefaultStyle        = "vivid"
)

// Normalize returns a copy of the request with numeric clamps and defaults
// applied. The original request is left untouched.
func (req GenerationRequest) Normalize() GenerationRequest {
	if req.Action == "" {
		req.Action = ActionGenerate
	}
	if req.Model == "" {
		req.Model = DefaultModel
	}
	if req.Size == "" {
		req.Size = DefaultSize
	}
	if req.Model == ModelSingleShot {
		if req.Quality == "" {
			req.Quality = DefaultQuality
		}
		if req.Style == "" {
			req.Style = DefaultStyle
		}
	}
	if req.N < 1 {
		req.N = 1
	}
	if req.N > MaxImagesPerRequest {
		req.N = MaxImagesPerRequest
	}
	if req.Limit < 0 {
		req.Limit = 0
	}
	if req.LimitWindow < 0 {
		req.LimitWindow = 0
	}
	return req
}

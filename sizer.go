package imagebroker

// SingleShotModel reports whether the model's backend only supports one
// image per call. The caller-facing count still names images: the
// dispatcher multiplexes admitted units into that many sequential calls.
func SingleShotModel(model string) bool {
	return model == ModelSingleShot || model == ModelService
}

// RequestUnits computes how many billable generation units a request asks
// for: one unit per image, clamped to the per-request maximum. Whether the
// backend delivers them in one batch call or one call per image is a
// dispatch concern, not a sizing one.
func RequestUnits(req GenerationRequest) int {
	n := req.N
	if n < 1 {
		n = 1
	}
	if n > MaxImagesPerRequest {
		n = MaxImagesPerRequest
	}
	return n
}

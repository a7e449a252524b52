package processor

// SceneOptions are the documented defaults for scene analysis requests.
type SceneOptions struct {
	FrameInterval       float64 `json:"frame_interval"`
	MaxFrames           int     `json:"max_frames"`
	ShotDetection       bool    `json:"shot_detection"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
	GenerateMarkers     bool    `json:"generate_markers"`
}

// ImageOptions are the documented defaults for image analysis requests.
type ImageOptions struct {
	Quality             string  `json:"quality"`
	ConfidenceThreshold float64 `json:"confidence_threshold"`
}

// Image quality tiers accepted by the container.
const (
	QualityFast     = "fast"
	QualityStandard = "standard"
	QualityHigh     = "high"
)

// DefaultSceneOptions samples a frame every two seconds, up to 120 frames,
// with shot detection and marker generation on.
func DefaultSceneOptions() SceneOptions {
	return SceneOptions{
		FrameInterval:       2.0,
		MaxFrames:           120,
		ShotDetection:       true,
		ConfidenceThreshold: 0.5,
		GenerateMarkers:     true,
	}
}

// DefaultImageOptions uses the standard quality tier.
func DefaultImageOptions() ImageOptions {
	return ImageOptions{
		Quality:             QualityStandard,
		ConfidenceThreshold: 0.5,
	}
}

// merge lays per-item overrides over the defaults. Unknown keys are passed
// through untouched so newer container options work without a client change.
func (o SceneOptions) merge(overrides map[string]any) map[string]any {
	out := map[string]any{
		"frame_interval":       o.FrameInterval,
		"max_frames":           o.MaxFrames,
		"shot_detection":       o.ShotDetection,
		"confidence_threshold": o.ConfidenceThreshold,
		"generate_markers":     o.GenerateMarkers,
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

func (o ImageOptions) merge(overrides map[string]any) map[string]any {
	out := map[string]any{
		"quality":              o.Quality,
		"confidence_threshold": o.ConfidenceThreshold,
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}

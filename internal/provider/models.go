package provider

// Model describes one generation backend and its per-image price.
type Model struct {
	Key       string
	ID        string
	Name      string
	CostCents int
	Params    map[string]any
}

var models = map[string]Model{
	"flux_dev": {
		Key:       "flux_dev",
		ID:        "flux/dev",
		Name:      "FLUX.1 Dev",
		CostCents: 25,
		Params: map[string]any{
			"num_inference_steps": 28,
			"guidance_scale":      3.5,
		},
	},
	"flux_schnell": {
		Key:       "flux_schnell",
		ID:        "flux/schnell",
		Name:      "FLUX.1 Schnell",
		CostCents: 10,
		Params: map[string]any{
			"num_inference_steps": 4,
		},
	},
	"stable_diffusion": {
		Key:       "stable_diffusion",
		ID:        "stable-diffusion-v3-medium",
		Name:      "Stable Diffusion 3",
		CostCents: 15,
		Params: map[string]any{
			"num_inference_steps": 28,
			"guidance_scale":      7.0,
		},
	},
}

// DefaultModel is used when a request names no model.
const DefaultModel = "flux_dev"

// LookupModel resolves a model key, falling back to the default for unknown
// keys.
func LookupModel(key string) Model {
	if m, ok := models[key]; ok {
		return m
	}
	return models[DefaultModel]
}

// EstimateCostCents prices a batch against a model.
func EstimateCostCents(batchSize int, modelKey string) int {
	return batchSize * LookupModel(modelKey).CostCents
}

var imageSizes = map[string]string{
	"square":    "square",
	"portrait":  "portrait_4_3",
	"landscape": "landscape_4_3",
	"wide":      "landscape_16_9",
	"tall":      "portrait_16_9",
}

// ImageSize maps an aspect-ratio filter onto the provider's size parameter.
func ImageSize(aspectRatio string) string {
	if s, ok := imageSizes[aspectRatio]; ok {
		return s
	}
	return "square"
}

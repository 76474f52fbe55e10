package models

import "strings"

// Model selects the obstacle geometry the simulation loads.
type Model string

const (
	ModelCar     Model = "car"
	ModelAhmed25 Model = "ahmed25"
	ModelAhmed35 Model = "ahmed35"
)

// DefaultModel is used when a request names no model or an unknown one.
const DefaultModel = ModelCar

// ModelInfo describes a selectable model for listings.
type ModelInfo struct {
	ID          Model  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	AssetPath   string `json:"asset_path"`
}

var catalog = []ModelInfo{
	{ModelCar, "Car", "Generic passenger car body", "assets/3d-files/car-model.obj"},
	{ModelAhmed25, "Ahmed body 25°", "Ahmed reference body, 25 degree slant", "assets/3d-files/ahmed_25deg_m.obj"},
	{ModelAhmed35, "Ahmed body 35°", "Ahmed reference body, 35 degree slant", "assets/3d-files/ahmed_35deg_m.obj"},
}

// Models returns the catalog in display order.
func Models() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// ParseModel resolves a selector. The second result is false when s is not
// a known model, in which case DefaultModel is returned.
func ParseModel(s string) (Model, bool) {
	m := Model(strings.ToLower(strings.TrimSpace(s)))
	for _, info := range catalog {
		if info.ID == m {
			return m, true
		}
	}
	return DefaultModel, false
}

// AssetPath is the mesh path relative to the simulation source tree.
func (m Model) AssetPath() string {
	for _, info := range catalog {
		if info.ID == m {
			return info.AssetPath
		}
	}
	return catalog[0].AssetPath
}

func (m Model) String() string { return string(m) }

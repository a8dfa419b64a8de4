package types

import "time"

// BoundingBox is a normalized box with coordinates in the [0,1] range.
// (X1,Y1) is the top-left corner and (X2,Y2) the bottom-right one. The model
// is asked for X1 <= X2 and Y1 <= Y2 but nothing enforces it.
type BoundingBox struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Width returns the normalized width, negative when the corners are swapped
func (b BoundingBox) Width() float64 { return b.X2 - b.X1 }

// Height returns the normalized height, negative when the corners are swapped
func (b BoundingBox) Height() float64 { return b.Y2 - b.Y1 }

// DetectionType is the class of a finding
type DetectionType string

const (
	Smoke DetectionType = "smoke"
	Fire  DetectionType = "fire"
)

// Valid reports whether t is one of the known classes
func (t DetectionType) Valid() bool {
	return t == Smoke || t == Fire
}

// Detection is one smoke or fire finding returned by the model
type Detection struct {
	Type        DetectionType `json:"type"`
	Description string        `json:"description"`
	BoundingBox BoundingBox   `json:"boundingBox"`
}

// DetectionResponse is the top-level object the model is asked to return
type DetectionResponse struct {
	Detections []Detection `json:"detections"`
}

// Run is a recorded detection request and its outcome
type Run struct {
	ID         string      `json:"id"`
	ImageName  string      `json:"image_name"`
	MimeType   string      `json:"mime_type"`
	Language   string      `json:"language"`
	Backend    string      `json:"backend"`
	Model      string      `json:"model"`
	Detections []Detection `json:"detections"`
	CreatedAt  time.Time   `json:"created_at"`
}

// CloneDetections returns a copy of ds. A nil input stays nil so callers can
// tell "not yet run" from "ran and found nothing".
func CloneDetections(ds []Detection) []Detection {
	if ds == nil {
		return nil
	}
	out := make([]Detection, len(ds))
	copy(out, ds)
	return out
}

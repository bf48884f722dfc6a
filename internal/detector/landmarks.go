// Package detector provides hand landmark types and the detector implementations
// that produce them from camera frames.
package detector

import (
	"math"
	"strings"
)

// Hand landmark indices following MediaPipe convention.
// See: https://developers.google.com/mediapipe/solutions/vision/hand_landmarker
const (
	Wrist        = 0
	ThumbCMC     = 1
	ThumbMCP     = 2
	ThumbIP      = 3
	ThumbTip     = 4
	IndexMCP     = 5
	IndexPIP     = 6
	IndexDIP     = 7
	IndexTip     = 8
	MiddleMCP    = 9
	MiddlePIP    = 10
	MiddleDIP    = 11
	MiddleTip    = 12
	RingMCP      = 13
	RingPIP      = 14
	RingDIP      = 15
	RingTip      = 16
	PinkyMCP     = 17
	PinkyPIP     = 18
	PinkyDIP     = 19
	PinkyTip     = 20
	NumLandmarks = 21
)

// Handedness is the left/right label the detector attaches to a hand.
type Handedness string

const (
	Left    Handedness = "Left"
	Right   Handedness = "Right"
	Unknown Handedness = "Unknown"
)

// ParseHandedness maps a detector label to a Handedness. Anything that is not
// recognisably left or right is Unknown.
func ParseHandedness(s string) Handedness {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "left", "l":
		return Left
	case "right", "r":
		return Right
	default:
		return Unknown
	}
}

// Mirror returns the opposite side. Labels are produced against a mirrored
// camera view, so a visually-left hand carries the Right label and vice versa.
func (h Handedness) Mirror() Handedness {
	switch h {
	case Left:
		return Right
	case Right:
		return Left
	default:
		return Unknown
	}
}

// Valid reports whether h is Left or Right.
func (h Handedness) Valid() bool {
	return h == Left || h == Right
}

// Point3D represents a normalized landmark position. X and Y are in [0,1]
// image space; Z is relative depth and may be zero.
type Point3D struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Missing returns a point that the detector could not place.
func Missing() Point3D {
	return Point3D{X: math.NaN(), Y: math.NaN(), Z: math.NaN()}
}

// IsMissing reports whether p carries no usable 2-D position.
func (p Point3D) IsMissing() bool {
	return math.IsNaN(p.X) || math.IsNaN(p.Y) || math.IsInf(p.X, 0) || math.IsInf(p.Y, 0)
}

// HandLandmarks is one detected hand for one video frame. Points is nominally
// NumLandmarks long; shorter slices and missing entries are tolerated.
type HandLandmarks struct {
	Points     []Point3D  `json:"points"`
	Handedness Handedness `json:"handedness"`
	Score      float64    `json:"score"`
}

// Point returns landmark i and whether it is present.
func (h *HandLandmarks) Point(i int) (Point3D, bool) {
	if h == nil || i < 0 || i >= len(h.Points) {
		return Point3D{}, false
	}
	p := h.Points[i]
	if p.IsMissing() {
		return Point3D{}, false
	}
	return p, true
}

// Complete reports whether all NumLandmarks points are present.
func (h *HandLandmarks) Complete() bool {
	if h == nil || len(h.Points) < NumLandmarks {
		return false
	}
	for i := 0; i < NumLandmarks; i++ {
		if h.Points[i].IsMissing() {
			return false
		}
	}
	return true
}

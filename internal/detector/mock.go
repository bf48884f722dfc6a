package detector

import (
	"sync"

	"gocv.io/x/gocv"
)

// MockDetector is a test implementation of the Detector interface.
// It allows tests to control the detection results.
type MockDetector struct {
	mu    sync.Mutex
	hands []HandLandmarks
	err   error
	calls int
}

// NewMockDetector creates a new MockDetector instance.
func NewMockDetector() *MockDetector {
	return &MockDetector{}
}

// SetHands sets the hands that will be returned by Detect.
func (m *MockDetector) SetHands(hands []HandLandmarks) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hands = hands
}

// SetError sets the error that will be returned by Detect.
func (m *MockDetector) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Calls returns how many times Detect has been called.
func (m *MockDetector) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// Detect returns the pre-configured hands or error.
func (m *MockDetector) Detect(frame *gocv.Mat) ([]HandLandmarks, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	if m.err != nil {
		return nil, m.err
	}
	return m.hands, nil
}

// Close is a no-op for the mock detector.
func (m *MockDetector) Close() error {
	return nil
}

// fingerJoints lists the (tip, pip) landmark pairs of the four long fingers.
var fingerJoints = [4][2]int{
	{IndexTip, IndexPIP},
	{MiddleTip, MiddlePIP},
	{RingTip, RingPIP},
	{PinkyTip, PinkyPIP},
}

// OpenHand returns a hand with all four long fingers extended and the index
// fingertip at image height tipY.
func OpenHand(label Handedness, tipY float64) HandLandmarks {
	return poseHand(label, tipY, [4]bool{true, true, true, true})
}

// ClosedHand returns a hand with all four long fingers folded and the index
// fingertip at image height tipY.
func ClosedHand(label Handedness, tipY float64) HandLandmarks {
	return poseHand(label, tipY, [4]bool{})
}

// SplitHand returns a hand with index and middle extended and ring and pinky
// folded, which classifies as neither open nor closed.
func SplitHand(label Handedness, tipY float64) HandLandmarks {
	return poseHand(label, tipY, [4]bool{true, true, false, false})
}

// poseHand lays out a plausible 21-point hand. Each long finger's tip sits
// above its PIP joint (smaller y) when extended and below it when folded.
func poseHand(label Handedness, tipY float64, extended [4]bool) HandLandmarks {
	const jointGap = 0.05

	hand := HandLandmarks{
		Points:     make([]Point3D, NumLandmarks),
		Handedness: label,
		Score:      0.95,
	}

	hand.Points[Wrist] = Point3D{X: 0.5, Y: tipY + 0.3}
	hand.Points[ThumbCMC] = Point3D{X: 0.55, Y: tipY + 0.25}
	hand.Points[ThumbMCP] = Point3D{X: 0.60, Y: tipY + 0.2}
	hand.Points[ThumbIP] = Point3D{X: 0.64, Y: tipY + 0.15}
	hand.Points[ThumbTip] = Point3D{X: 0.67, Y: tipY + 0.1}

	for f, joints := range fingerJoints {
		tip, pip := joints[0], joints[1]
		x := 0.55 - float64(f)*0.04

		pipY := tipY + jointGap
		if !extended[f] {
			pipY = tipY - jointGap
		}

		// MCP and DIP sit on the same finger line as tip and PIP.
		hand.Points[tip-3] = Point3D{X: x, Y: tipY + 0.15}
		hand.Points[pip] = Point3D{X: x, Y: pipY}
		hand.Points[tip-1] = Point3D{X: x, Y: (tipY + pipY) / 2}
		hand.Points[tip] = Point3D{X: x, Y: tipY}
	}

	return hand
}

// WithMissing returns a copy of h with the given landmarks marked missing.
func WithMissing(h HandLandmarks, indices ...int) HandLandmarks {
	points := make([]Point3D, len(h.Points))
	copy(points, h.Points)
	for _, i := range indices {
		if i >= 0 && i < len(points) {
			points[i] = Missing()
		}
	}
	h.Points = points
	return h
}

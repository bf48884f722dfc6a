// Package gesture turns per-frame hand landmarks into musical control state.
package gesture

import (
	"sync"

	"github.com/ayusman/handchoir/internal/detector"
)

// Class is the discrete hand shape of the control hand.
type Class string

const (
	// ClassNone means the hand shape could not be classified.
	ClassNone Class = "none"
	// ClassOpen means at least three long fingers are extended.
	ClassOpen Class = "open"
	// ClassClosed means at least three long fingers are folded.
	ClassClosed Class = "closed"
)

// Active reports whether c is a playable class.
func (c Class) Active() bool {
	return c == ClassOpen || c == ClassClosed
}

// ControlState is the musical control signal derived from the latest frame.
type ControlState struct {
	PitchPosition   float64 `json:"pitchPosition"`
	VolumePosition  float64 `json:"volumePosition"`
	DetectedControl bool    `json:"detectedControl"`
	DetectedVolume  bool    `json:"detectedVolume"`
	Gesture         Class   `json:"gesture"`
}

// minValidPairs is how many (tip, pip) pairs must be present to classify.
const minValidPairs = 3

var fingerPairs = [4][2]int{
	{detector.IndexTip, detector.IndexPIP},
	{detector.MiddleTip, detector.MiddlePIP},
	{detector.RingTip, detector.RingPIP},
	{detector.PinkyTip, detector.PinkyPIP},
}

// Interpreter maps hands to control and volume roles and keeps the
// resulting ControlState between frames.
type Interpreter struct {
	mu          sync.RWMutex
	controlHand detector.Handedness
	state       ControlState
}

// NewInterpreter creates an Interpreter for the given physical control hand.
// The other physical hand controls volume. Anything other than Left is
// treated as Right.
func NewInterpreter(controlHand detector.Handedness) *Interpreter {
	if controlHand != detector.Left {
		controlHand = detector.Right
	}
	return &Interpreter{
		controlHand: controlHand,
		state:       ControlState{Gesture: ClassNone},
	}
}

// ControlHand returns the configured physical control hand.
func (in *Interpreter) ControlHand() detector.Handedness {
	return in.controlHand
}

// Update processes the hands detected in one frame and returns the new state.
// Roles with no usable hand lose their detected flag but keep their last
// position and class.
func (in *Interpreter) Update(hands []detector.HandLandmarks) ControlState {
	control, volume := in.assignRoles(hands)

	in.mu.Lock()
	defer in.mu.Unlock()

	in.state.DetectedControl = false
	if control != nil {
		if tip, ok := control.Point(detector.IndexTip); ok {
			in.state.PitchPosition = invert(tip.Y)
			in.state.Gesture = Classify(control)
			in.state.DetectedControl = true
		}
	}

	in.state.DetectedVolume = false
	if volume != nil {
		if tip, ok := volume.Point(detector.IndexTip); ok {
			in.state.VolumePosition = invert(tip.Y)
			in.state.DetectedVolume = true
		}
	}

	return in.state
}

// State returns the current control state.
func (in *Interpreter) State() ControlState {
	in.mu.RLock()
	defer in.mu.RUnlock()
	return in.state
}

// assignRoles resolves each hand's physical side from its mirrored label.
// The first hand to claim a role keeps it.
func (in *Interpreter) assignRoles(hands []detector.HandLandmarks) (control, volume *detector.HandLandmarks) {
	for i := range hands {
		side := hands[i].Handedness.Mirror()
		if !side.Valid() {
			continue
		}
		if side == in.controlHand {
			if control == nil {
				control = &hands[i]
			}
		} else if volume == nil {
			volume = &hands[i]
		}
	}
	return control, volume
}

// Classify determines the gesture class from finger extension. A finger is
// extended when its tip is above its PIP joint and folded when below; equal
// heights count as neither.
func Classify(hand *detector.HandLandmarks) Class {
	var valid, extended, folded int
	for _, pair := range fingerPairs {
		tip, ok := hand.Point(pair[0])
		if !ok {
			continue
		}
		pip, ok := hand.Point(pair[1])
		if !ok {
			continue
		}
		valid++
		switch {
		case tip.Y < pip.Y:
			extended++
		case tip.Y > pip.Y:
			folded++
		}
	}

	switch {
	case valid < minValidPairs:
		return ClassNone
	case extended >= minValidPairs:
		return ClassOpen
	case folded >= minValidPairs:
		return ClassClosed
	default:
		return ClassNone
	}
}

func invert(y float64) float64 {
	v := 1 - y
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

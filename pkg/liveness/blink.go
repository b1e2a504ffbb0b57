// Package liveness estimates eye closure from a single face crop.
//
// The estimate counts eye regions found by a permissive cascade scan. It is
// an advisory signal only: it cannot tell a blink from occlusion, glare,
// poor lighting or a turned head, and it is not anti-spoofing.
package liveness

import (
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// Sentinel per-eye scores. They are fixed values, not measured eye aspect
// ratios.
const (
	BlinkingScore = 0.2
	OpenScore     = 0.3
)

// DefaultConsecutiveFrames is how many blinking frames in a row a
// BlinkCounter needs before it confirms a blink.
const DefaultConsecutiveFrames = 2

// BlinkResult is the per-frame estimate. Eyes are in frame coordinates.
type BlinkResult struct {
	IsBlinking bool         `json:"is_blinking"`
	LeftScore  float64      `json:"left_score"`
	RightScore float64      `json:"right_score"`
	Eyes       []vision.Box `json:"eyes"`
}

// BlinkEstimator classifies single frames. It keeps no state between calls.
type BlinkEstimator struct {
	eyes vision.EyeDetector
}

// NewBlinkEstimator creates a BlinkEstimator on top of an eye detector that
// has been tuned to accept partially closed eyes.
func NewBlinkEstimator(eyes vision.EyeDetector) *BlinkEstimator {
	return &BlinkEstimator{eyes: eyes}
}

// EstimateBlink reports a blink when fewer than two eye regions are visible
// in the face crop.
func (e *BlinkEstimator) EstimateBlink(face vision.FaceRegion) BlinkResult {
	var found []vision.Box
	if face.Gray != nil && !face.Gray.Bounds().Empty() {
		found = e.eyes.DetectEyes(face.Gray)
	}

	eyes := make([]vision.Box, len(found))
	for i, b := range found {
		eyes[i] = b.Offset(face.Box.X, face.Box.Y)
	}

	result := BlinkResult{Eyes: eyes}
	if len(eyes) < 2 {
		result.IsBlinking = true
		result.LeftScore, result.RightScore = BlinkingScore, BlinkingScore
	} else {
		result.LeftScore, result.RightScore = OpenScore, OpenScore
	}

	logging.Component("liveness").Debugf("Eye regions: %d, blinking: %v", len(eyes), result.IsBlinking)
	return result
}

// BlinkCounter debounces per-frame estimates for callers that process a
// stream: a blink is confirmed once the eyes reopen after at least the
// configured number of consecutive blinking frames.
type BlinkCounter struct {
	consecutive int
	run         int
	total       int
}

// NewBlinkCounter creates a BlinkCounter. Values below one use
// DefaultConsecutiveFrames.
func NewBlinkCounter(consecutiveFrames int) *BlinkCounter {
	if consecutiveFrames < 1 {
		consecutiveFrames = DefaultConsecutiveFrames
	}
	return &BlinkCounter{consecutive: consecutiveFrames}
}

// Observe feeds one frame estimate and reports whether it completed a blink.
func (c *BlinkCounter) Observe(r BlinkResult) bool {
	if r.IsBlinking {
		c.run++
		return false
	}
	confirmed := c.run >= c.consecutive
	c.run = 0
	if confirmed {
		c.total++
	}
	return confirmed
}

// Total returns the number of confirmed blinks.
func (c *BlinkCounter) Total() int {
	return c.total
}

// Reset clears all state.
func (c *BlinkCounter) Reset() {
	c.run = 0
	c.total = 0
}

package recognition

import (
	"errors"
	"math"
)

// ErrNoMatch is returned when the gallery is empty or no encoding is closer
// than the threshold.
var ErrNoMatch = errors.New("no match")

// Match is an accepted identification.
type Match struct {
	IdentityID  string
	DisplayName string
	Distance    float64
	// Confidence is a linear rescaling of the distance into [0, 1]. It is
	// not a probability.
	Confidence float64
}

// Matcher does nearest-neighbour search over a gallery with a fixed
// distance threshold.
type Matcher struct {
	threshold float64
}

// NewMatcher creates a Matcher. A distance must be strictly below threshold
// to be accepted.
func NewMatcher(threshold float64) *Matcher {
	return &Matcher{threshold: threshold}
}

// Threshold returns the acceptance threshold.
func (m *Matcher) Threshold() float64 {
	return m.threshold
}

// FindBestMatch scans every record. On exact ties the earliest record in
// gallery order wins.
func (m *Matcher) FindBestMatch(query Encoding, gallery []Record) (Match, error) {
	if len(gallery) == 0 {
		return Match{}, ErrNoMatch
	}

	bestIdx := -1
	bestDist := math.MaxFloat64
	for i, rec := range gallery {
		if d := EuclideanDistance(query, rec.Encoding); d < bestDist {
			bestDist = d
			bestIdx = i
		}
	}

	if bestIdx < 0 || bestDist >= m.threshold {
		return Match{}, ErrNoMatch
	}

	best := gallery[bestIdx]
	return Match{
		IdentityID:  best.IdentityID,
		DisplayName: best.DisplayName,
		Distance:    bestDist,
		Confidence:  Confidence(bestDist, m.threshold),
	}, nil
}

// Confidence maps a distance to clamp((threshold-d)/threshold, 0, 1).
func Confidence(distance, threshold float64) float64 {
	if threshold <= 0 {
		return 0
	}
	c := (threshold - distance) / threshold
	return math.Max(0, math.Min(1, c))
}

package profile

import "math"

// eloK is the rating volatility factor.
const eloK = 32

// DefaultMMR is the rating assigned to players with no history.
const DefaultMMR = 1500

// ExpectedScore is the Elo win probability of a player rated ra against an
// opponent rated rb.
func ExpectedScore(ra, rb int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(rb-ra)/400.0))
}

// RatingDelta returns the rating change for a player rated ra against an
// opponent rated rb, where score is 1 for a win, 0 for a loss, and 0.5 for
// a draw.
func RatingDelta(ra, rb int, score float64) int {
	return int(math.Round(eloK * (score - ExpectedScore(ra, rb))))
}

package profile

import (
	"math"
	"testing"
)

func TestExpectedScoreEvenMatch(t *testing.T) {
	if got := ExpectedScore(1500, 1500); got != 0.5 {
		t.Fatalf("expected 0.5 for equal ratings, got %f", got)
	}
}

func TestExpectedScore400Gap(t *testing.T) {
	got := ExpectedScore(1900, 1500)
	want := 10.0 / 11.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %f for a 400-point edge, got %f", want, got)
	}
}

func TestRatingDeltaEvenMatch(t *testing.T) {
	if got := RatingDelta(1500, 1500, 1); got != 16 {
		t.Fatalf("expected +16 for an even win, got %d", got)
	}
	if got := RatingDelta(1500, 1500, 0); got != -16 {
		t.Fatalf("expected -16 for an even loss, got %d", got)
	}
}

func TestUpsetPaysMore(t *testing.T) {
	underdog := RatingDelta(1400, 1600, 1)
	favorite := RatingDelta(1600, 1400, 1)
	if underdog <= favorite {
		t.Fatalf("underdog win (%d) must pay more than favorite win (%d)", underdog, favorite)
	}
}

func TestDeltaIsZeroSumForEqualRatings(t *testing.T) {
	win := RatingDelta(1500, 1500, 1)
	loss := RatingDelta(1500, 1500, 0)
	if win+loss != 0 {
		t.Fatalf("expected zero-sum deltas, got %d and %d", win, loss)
	}
}

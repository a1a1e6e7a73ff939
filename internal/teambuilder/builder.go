// Package teambuilder forms balanced teams from queue entries. It is a pure
// computation with no side effects: given the oldest-first candidates of a
// single bucket and an MMR tolerance, it either produces a team assignment
// with a quality score or reports that none exists.
package teambuilder

import (
	"math"
	"sort"

	"github.com/openlobby/matchmaker/internal/queue"
)

// Scoring weights and normalization caps for the quality formula.
const (
	balanceWeight  = 0.5
	varianceWeight = 0.3
	waitWeight     = 0.2

	balanceCap  = 500  // team MMR difference beyond this scores 0
	varianceCap = 1000 // MMR standard deviation beyond this scores 0
)

// Assignment is a valid team split over a set of queue entries. Teams hold
// player ids; PartyIDs is the exact set of parties consumed.
type Assignment struct {
	Teams       [][]string
	PartyIDs    []string
	AvgMMR      int
	MMRVariance int
	Quality     float64
}

// Builder forms matches. The zero value is not usable; construct with New.
//
// WaitFairness is the third quality factor. It currently defaults to a
// constant 1.0, matching the weights the rest of the formula was tuned
// against, but callers can substitute a real wait-time factor.
type Builder struct {
	NumTeams     int
	WaitFairness func(entries []*queue.Entry) float64
}

// New returns a Builder configured for two teams and a constant wait
// fairness factor.
func New() *Builder {
	return &Builder{
		NumTeams:     2,
		WaitFairness: func([]*queue.Entry) float64 { return 1.0 },
	}
}

// TryFormMatch attempts to form a single match from the oldest-first
// candidate entries. It scans prefixes of the candidate list (so the
// longest-waiting parties are always considered first), requiring that a
// prefix's player count exactly fills team_size x num_teams and that its
// MMR spread stays within tolerance. The first prefix admitting a valid
// capacity-respecting team split wins.
func (b *Builder) TryFormMatch(entries []*queue.Entry, teamSize, tolerance int) (*Assignment, bool) {
	if len(entries) < 2 || teamSize < 1 {
		return nil, false
	}

	needed := teamSize * b.NumTeams
	total := 0
	for _, e := range entries {
		total += e.PartySize
	}
	if total < needed {
		return nil, false
	}

	players := 0
	for k := 0; k < len(entries); k++ {
		players += entries[k].PartySize
		if players > needed {
			// Prefixes only grow; an overshoot here means no exact fill
			// exists with these candidates.
			return nil, false
		}
		if k < 1 || players < needed {
			continue
		}

		prefix := entries[:k+1]
		if spread(prefix) > tolerance {
			continue
		}

		teams, ok := b.balance(prefix, teamSize)
		if !ok {
			continue
		}
		return b.score(prefix, teams), true
	}

	return nil, false
}

// balance assigns parties to teams with a greedy longest-processing-time
// heuristic: parties sorted by average MMR descending, each placed on the
// team with the lowest weighted MMR sum that still has room. Ties go to the
// lower-indexed team. Returns false if no capacity-respecting placement
// exists for some party.
func (b *Builder) balance(prefix []*queue.Entry, teamSize int) ([][]*queue.Entry, bool) {
	sorted := make([]*queue.Entry, len(prefix))
	copy(sorted, prefix)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].AvgMMR > sorted[j].AvgMMR
	})

	teams := make([][]*queue.Entry, b.NumTeams)
	mmrSums := make([]int, b.NumTeams)
	counts := make([]int, b.NumTeams)

	for _, e := range sorted {
		best := -1
		for i := 0; i < b.NumTeams; i++ {
			if counts[i]+e.PartySize > teamSize {
				continue
			}
			if best == -1 || mmrSums[i] < mmrSums[best] {
				best = i
			}
		}
		if best == -1 {
			return nil, false
		}
		teams[best] = append(teams[best], e)
		mmrSums[best] += e.AvgMMR * e.PartySize
		counts[best] += e.PartySize
	}

	return teams, true
}

// score builds the Assignment for a balanced team split and computes its
// quality: 0.5*balance + 0.3*varianceScore + 0.2*waitFairness, all in [0,1].
func (b *Builder) score(prefix []*queue.Entry, teams [][]*queue.Entry) *Assignment {
	asn := &Assignment{Teams: make([][]string, len(teams))}

	teamAvgs := make([]int, 0, len(teams))
	for i, team := range teams {
		mmrSum, playerCount := 0, 0
		for _, e := range team {
			asn.Teams[i] = append(asn.Teams[i], e.PlayerIDs...)
			asn.PartyIDs = append(asn.PartyIDs, e.PartyID)
			mmrSum += e.AvgMMR * e.PartySize
			playerCount += e.PartySize
		}
		if playerCount > 0 {
			teamAvgs = append(teamAvgs, mmrSum/playerCount)
		}
	}

	asn.AvgMMR = weightedAvg(prefix)
	asn.MMRVariance = variance(prefix, asn.AvgMMR)

	balanceScore := 1.0
	if len(teamAvgs) >= 2 {
		minAvg, maxAvg := teamAvgs[0], teamAvgs[0]
		for _, a := range teamAvgs[1:] {
			minAvg = min(minAvg, a)
			maxAvg = max(maxAvg, a)
		}
		balanceScore = 1.0 - float64(min(maxAvg-minAvg, balanceCap))/float64(balanceCap)
	}
	varianceScore := 1.0 - float64(min(asn.MMRVariance, varianceCap))/float64(varianceCap)

	asn.Quality = balanceWeight*balanceScore +
		varianceWeight*varianceScore +
		waitWeight*b.WaitFairness(prefix)
	return asn
}

// spread returns the difference between the highest and lowest party
// average MMR across the entries.
func spread(entries []*queue.Entry) int {
	lo, hi := entries[0].AvgMMR, entries[0].AvgMMR
	for _, e := range entries[1:] {
		lo = min(lo, e.AvgMMR)
		hi = max(hi, e.AvgMMR)
	}
	return hi - lo
}

// weightedAvg is the player-weighted average of party MMRs, in integer
// arithmetic.
func weightedAvg(entries []*queue.Entry) int {
	mmrSum, playerCount := 0, 0
	for _, e := range entries {
		mmrSum += e.AvgMMR * e.PartySize
		playerCount += e.PartySize
	}
	if playerCount == 0 {
		return 0
	}
	return mmrSum / playerCount
}

// variance is the player-weighted standard deviation of party average MMRs,
// floored to an integer.
func variance(entries []*queue.Entry, avg int) int {
	sumSq, playerCount := 0, 0
	for _, e := range entries {
		d := e.AvgMMR - avg
		sumSq += d * d * e.PartySize
		playerCount += e.PartySize
	}
	if playerCount == 0 {
		return 0
	}
	return int(math.Sqrt(float64(sumSq / playerCount)))
}

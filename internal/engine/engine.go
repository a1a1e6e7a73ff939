// Package engine runs the matchmaking clock. A single goroutine owns the
// queue store: all enqueues and dequeues arrive through a bounded command
// mailbox, and every tick_interval the engine walks the buckets, widens MMR
// bands by wait time, forms matches through the team builder, and retires
// entries that exceeded the maximum wait.
package engine

import (
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/openlobby/matchmaker/internal/metrics"
	"github.com/openlobby/matchmaker/internal/queue"
	"github.com/openlobby/matchmaker/internal/teambuilder"
)

// ErrStopped is returned by commands submitted after shutdown.
var ErrStopped = errors.New("engine: stopped")

// Config holds the engine tuning parameters.
type Config struct {
	TickInterval        time.Duration // how often the queue is processed
	MMRBandInitial      int           // tolerance at zero wait
	MMRBandGrowthPerSec int           // tolerance widening per second waited
	MMRBandMax          int           // tolerance cap
	MaxWaitTime         time.Duration // hard life-in-queue bound
	MinMatchQuality     float64       // emission quality gate
	NumTeams            int           // teams per match
	MailboxSize         int           // command mailbox capacity
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:        200 * time.Millisecond,
		MMRBandInitial:      100,
		MMRBandGrowthPerSec: 10,
		MMRBandMax:          500,
		MaxWaitTime:         120 * time.Second,
		MinMatchQuality:     0.6,
		NumTeams:            2,
		MailboxSize:         1024,
	}
}

// Match is an emitted match. Once returned from a tick it is immutable;
// the engine retains no reference to it.
type Match struct {
	ID           string     `json:"match_id"`
	Region       string     `json:"region"`
	Mode         string     `json:"mode"`
	TeamSize     int        `json:"team_size"`
	Teams        [][]string `json:"teams"`
	PartyIDs     []string   `json:"party_ids"`
	AvgMMR       int        `json:"avg_mmr"`
	MMRVariance  int        `json:"mmr_variance"`
	QualityScore float64    `json:"quality_score"`
}

type commandKind int

const (
	cmdEnqueue commandKind = iota
	cmdDequeue
	cmdSizes
)

type command struct {
	kind  commandKind
	entry *queue.Entry
	party string
	reply chan cmdReply
}

type cmdReply struct {
	err   error
	sizes map[string]int
	total int
}

// Engine drives matchmaking. Set the hooks before calling Start; they are
// invoked from the tick goroutine and must not block.
type Engine struct {
	cfg     Config
	store   *queue.Store
	builder *teambuilder.Builder

	// OnMatch is invoked for every emitted match.
	OnMatch func(*Match)
	// OnTimeout is invoked for every entry retired after MaxWaitTime. The
	// entry has already been removed from the store.
	OnTimeout func(*queue.Entry)

	commands chan command
	stop     chan struct{}
	done     chan struct{}

	now func() time.Time // monotonic clock, replaceable in tests
}

// New creates an Engine with the given configuration.
func New(cfg Config) *Engine {
	b := teambuilder.New()
	if cfg.NumTeams > 0 {
		b.NumTeams = cfg.NumTeams
	}
	return &Engine{
		cfg:      cfg,
		store:    queue.NewStore(),
		builder:  b,
		commands: make(chan command, cfg.MailboxSize),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		now:      time.Now,
	}
}

// Start launches the tick goroutine.
func (e *Engine) Start() {
	go e.run()
	log.Printf("[engine] started (tick=%s band=%d+%d/s..%d max_wait=%s min_quality=%.2f)",
		e.cfg.TickInterval, e.cfg.MMRBandInitial, e.cfg.MMRBandGrowthPerSec,
		e.cfg.MMRBandMax, e.cfg.MaxWaitTime, e.cfg.MinMatchQuality)
}

// Stop shuts the engine down: the mailbox is drained, a final tick runs,
// and subsequent commands fail with ErrStopped. Stop blocks until the tick
// goroutine has exited.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
	log.Printf("[engine] stopped")
}

// Enqueue submits a queue entry to the tick worker. It fails with
// queue.ErrAlreadyQueued if the party is already waiting, or ErrStopped
// after shutdown.
func (e *Engine) Enqueue(entry *queue.Entry) error {
	return e.submit(command{kind: cmdEnqueue, entry: entry})
}

// Dequeue removes a party's entry. Removing an absent party is a no-op.
func (e *Engine) Dequeue(partyID string) error {
	return e.submit(command{kind: cmdDequeue, party: partyID})
}

// Sizes returns the total queued party count and the per-bucket breakdown.
func (e *Engine) Sizes() (int, map[string]int, error) {
	reply := make(chan cmdReply, 1)
	if err := e.submit(command{kind: cmdSizes, reply: reply}); err != nil {
		return 0, nil, err
	}
	r := <-reply
	return r.total, r.sizes, nil
}

func (e *Engine) submit(cmd command) error {
	if cmd.reply == nil {
		cmd.reply = make(chan cmdReply, 1)
	}
	select {
	case <-e.done:
		return ErrStopped
	case e.commands <- cmd:
	}
	select {
	case r := <-cmd.reply:
		return r.err
	case <-e.done:
		return ErrStopped
	}
}

func (e *Engine) run() {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case cmd := <-e.commands:
			e.handle(cmd)
		case <-ticker.C:
			e.runTick()
		case <-e.stop:
			// Drain pending commands, then run a final tick.
			for {
				select {
				case cmd := <-e.commands:
					e.handle(cmd)
					continue
				default:
				}
				break
			}
			e.runTick()
			return
		}
	}
}

func (e *Engine) handle(cmd command) {
	var r cmdReply
	switch cmd.kind {
	case cmdEnqueue:
		r.err = e.store.Enqueue(cmd.entry)
		if r.err == nil {
			log.Printf("[engine] enqueued party=%s bucket=%s mmr=%d size=%d (queued=%d)",
				cmd.entry.PartyID, cmd.entry.Bucket().Key(),
				cmd.entry.AvgMMR, cmd.entry.PartySize, e.store.Len())
		}
	case cmdDequeue:
		if e.store.Dequeue(cmd.party) {
			log.Printf("[engine] dequeued party=%s (queued=%d)", cmd.party, e.store.Len())
		}
	case cmdSizes:
		r.total = e.store.Len()
		r.sizes = e.store.SizesByBucket()
	}
	metrics.QueueSize.Set(float64(e.store.Len()))
	cmd.reply <- r
}

func (e *Engine) runTick() {
	start := time.Now()
	matches := e.Tick(e.now())
	metrics.TickDuration.Observe(time.Since(start).Seconds())

	for _, m := range matches {
		if e.OnMatch != nil {
			e.OnMatch(m)
		}
	}
}

// Tick processes every bucket once and returns the emitted matches. It must
// only be called from the goroutine that owns the engine (the run loop in
// production, the test body in tests).
func (e *Engine) Tick(now time.Time) []*Match {
	var matches []*Match

	for _, b := range e.store.Buckets() {
		e.retireTimedOut(b, now)

		for e.store.LenIn(b) >= 2 {
			entries := e.store.Entries(b)
			tolerance := e.band(entries[0], now)

			asn, ok := e.builder.TryFormMatch(entries, b.TeamSize, tolerance)
			if !ok || asn.Quality < e.cfg.MinMatchQuality {
				// Nothing acceptable at the current tolerance; wait for
				// the band to widen rather than trying smaller sets.
				break
			}

			m := &Match{
				ID:           uuid.New().String(),
				Region:       b.Region,
				Mode:         b.Mode,
				TeamSize:     b.TeamSize,
				Teams:        asn.Teams,
				PartyIDs:     asn.PartyIDs,
				AvgMMR:       asn.AvgMMR,
				MMRVariance:  asn.MMRVariance,
				QualityScore: asn.Quality,
			}
			for _, pid := range m.PartyIDs {
				e.store.Dequeue(pid)
			}
			matches = append(matches, m)

			metrics.MatchesFormed.Inc()
			metrics.MatchQuality.Observe(m.QualityScore)
			metrics.TimeToMatch.Observe(now.Sub(entries[0].EnqueuedAt).Seconds())
			log.Printf("[engine] match formed id=%s bucket=%s parties=%d avg_mmr=%d quality=%.2f",
				m.ID, b.Key(), len(m.PartyIDs), m.AvgMMR, m.QualityScore)
		}
	}

	metrics.QueueSize.Set(float64(e.store.Len()))
	return matches
}

// retireTimedOut removes entries older than MaxWaitTime from the bucket and
// notifies the timeout hook for each.
func (e *Engine) retireTimedOut(b queue.Bucket, now time.Time) {
	var timedOut []*queue.Entry
	for _, entry := range e.store.Entries(b) {
		if now.Sub(entry.EnqueuedAt) > e.cfg.MaxWaitTime {
			timedOut = append(timedOut, entry)
		}
	}
	for _, entry := range timedOut {
		e.store.Dequeue(entry.PartyID)
		metrics.QueueTimeouts.Inc()
		log.Printf("[engine] queue timeout party=%s bucket=%s waited=%s",
			entry.PartyID, b.Key(), now.Sub(entry.EnqueuedAt).Round(time.Second))
		if e.OnTimeout != nil {
			e.OnTimeout(entry)
		}
	}
}

// band computes the MMR tolerance for the oldest waiting entry:
// min(initial + waited_seconds * growth, max).
func (e *Engine) band(oldest *queue.Entry, now time.Time) int {
	waited := int(now.Sub(oldest.EnqueuedAt).Seconds())
	if waited < 0 {
		waited = 0
	}
	band := e.cfg.MMRBandInitial + waited*e.cfg.MMRBandGrowthPerSec
	return min(band, e.cfg.MMRBandMax)
}

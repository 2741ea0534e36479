package pacer

import (
	"math"
	"time"

	"github.com/ryhazerus/pacer/digest"
	"github.com/ryhazerus/pacer/shared"
)

// stateKey is the key the pacer state lives under in its shared document.
const stateKey = "pacer"

// minDigestSamples is the sample count below which periodic checks report
// no percentiles.
const minDigestSamples = 10

// State is the aggregate every participant of one pacer reads and writes
// under the document lock. Events carry a copy of it.
type State struct {
	StartTime     float64    `json:"start_time"`
	CallCount     int64      `json:"call_count"`
	Exceptions    int64      `json:"exceptions"`
	Bucket        Bucket     `json:"token_bucket"`
	Statistics    Statistics `json:"statistics"`
	MaxCallsFired bool       `json:"max_calls_fired"`
}

// Started returns the session start as a time.
func (s State) Started() time.Time { return fromUnixSeconds(s.StartTime) }

func (s State) clone() State {
	out := s
	out.Statistics.DurationDigest = s.Statistics.DurationDigest.Clone()
	out.Statistics.WaitDigest = s.Statistics.WaitDigest.Clone()
	out.Statistics.Recent = append([]Sample(nil), s.Statistics.Recent...)
	return out
}

// Bucket is the shared token balance.
type Bucket struct {
	Tokens     float64 `json:"tokens"`
	LastRefill float64 `json:"last_refill"`
}

// refill credits the tokens earned since the last refill, capped at
// capacity. A clock reading earlier than the last refill credits nothing
// and leaves the refill mark in place.
func (b *Bucket) refill(now float64, r Rate, capacity float64) {
	elapsed := now - b.LastRefill
	if elapsed <= 0 {
		return
	}
	b.Tokens = math.Min(b.Tokens+elapsed*r.CallsPerHour()/3600, capacity)
	b.LastRefill = now
}

// take consumes one token if one is available.
func (b *Bucket) take() bool {
	if b.Tokens < 1 {
		return false
	}
	b.Tokens--
	return true
}

// Statistics holds the merged duration and wait distributions and the
// sample ring used for windowed rates.
type Statistics struct {
	DurationDigest *digest.Digest `json:"duration_digest,omitempty"`
	WaitDigest     *digest.Digest `json:"wait_digest,omitempty"`
	SampleCount    int64          `json:"sample_count"`
	TotalDuration  float64        `json:"total_duration"`
	TotalWait      float64        `json:"total_wait"`
	Recent         []Sample       `json:"recent,omitempty"`
	// Truncated is set once the ring has dropped its oldest samples.
	Truncated bool `json:"truncated,omitempty"`
}

// fold merges a locally accumulated batch into the shared statistics.
func (s *Statistics) fold(b *batch) error {
	if b == nil || b.n == 0 {
		return nil
	}
	if s.DurationDigest == nil {
		s.DurationDigest = digest.New()
	}
	if s.WaitDigest == nil {
		s.WaitDigest = digest.New()
	}
	if err := s.DurationDigest.Merge(b.duration); err != nil {
		return err
	}
	if err := s.WaitDigest.Merge(b.wait); err != nil {
		return err
	}
	s.SampleCount += b.n
	s.TotalDuration += b.totalDuration
	s.TotalWait += b.totalWait
	return nil
}

func (p *Pacer) initialState(now time.Time) State {
	t := unixSeconds(now)
	return State{
		StartTime: t,
		Bucket:    Bucket{Tokens: p.burst, LastRefill: t},
	}
}

// loadState decodes the pacer state from d, initializing it when absent.
func (p *Pacer) loadState(d shared.Data, now time.Time) (State, error) {
	var st State
	ok, err := d.Decode(stateKey, &st)
	if err != nil {
		return State{}, err
	}
	if !ok {
		st = p.initialState(now)
	}
	return st, nil
}

func (p *Pacer) initialPayload() (shared.Data, error) {
	d := shared.Data{}
	if err := d.Encode(stateKey, p.initialState(p.clock.Now())); err != nil {
		return nil, err
	}
	return d, nil
}

// DecodeState extracts the pacer state from a shared document's content. It
// reports false when the document holds no pacer state.
func DecodeState(d shared.Data) (State, bool, error) {
	var st State
	ok, err := d.Decode(stateKey, &st)
	return st, ok, err
}

// Package digest provides a mergeable, serializable quantile sketch for
// streams of durations and wait times.
//
// A [Digest] wraps a t-digest: memory is bounded by the compression
// parameter, independent of how many samples were added, and two digests
// built on separate streams merge into one with the accuracy of a single
// digest fed both streams.
package digest

import (
	"encoding/json"
	"fmt"
	"math"

	"github.com/caio/go-tdigest/v4"
)

// DefaultCompression trades accuracy for size. 100 keeps at most a few
// hundred centroids.
const DefaultCompression = 100

// Digest is a quantile sketch. The zero value is not usable; call New.
// A Digest is not safe for concurrent use.
type Digest struct {
	compression float64
	td          *tdigest.TDigest
}

// New returns an empty digest with DefaultCompression.
func New() *Digest {
	d, err := NewWithCompression(DefaultCompression)
	if err != nil {
		panic(err)
	}
	return d
}

// NewWithCompression returns an empty digest with the given compression.
func NewWithCompression(compression float64) (*Digest, error) {
	td, err := tdigest.New(tdigest.Compression(compression))
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return &Digest{compression: compression, td: td}, nil
}

// Add ingests one sample. NaN and infinite values are rejected.
func (d *Digest) Add(x float64) error {
	if err := d.td.Add(x); err != nil {
		return fmt.Errorf("digest: add %v: %w", x, err)
	}
	return nil
}

// Merge folds other into d. other is not modified.
func (d *Digest) Merge(other *Digest) error {
	if other == nil || other.Count() == 0 {
		return nil
	}
	if err := d.td.Merge(other.td); err != nil {
		return fmt.Errorf("digest: merge: %w", err)
	}
	return nil
}

// Count returns the number of samples ingested, including merged ones.
func (d *Digest) Count() uint64 {
	if d == nil || d.td == nil {
		return 0
	}
	return d.td.Count()
}

// Quantile returns the approximate value at quantile q in [0, 1], or NaN
// for an empty digest.
func (d *Digest) Quantile(q float64) float64 {
	if d.Count() == 0 {
		return math.NaN()
	}
	return d.td.Quantile(q)
}

func (d *Digest) P50() float64 { return d.Quantile(0.50) }
func (d *Digest) P90() float64 { return d.Quantile(0.90) }
func (d *Digest) P99() float64 { return d.Quantile(0.99) }

// Compression returns the compression the digest was created with.
func (d *Digest) Compression() float64 { return d.compression }

// Clone returns an independent copy.
func (d *Digest) Clone() *Digest {
	if d == nil {
		return nil
	}
	return &Digest{compression: d.compression, td: d.td.Clone()}
}

// Reset discards all samples.
func (d *Digest) Reset() {
	td, err := tdigest.New(tdigest.Compression(d.compression))
	if err != nil {
		panic(err)
	}
	d.td = td
}

type centroid [2]float64

type wireDigest struct {
	Compression float64    `json:"compression"`
	Centroids   []centroid `json:"centroids"`
}

// MarshalJSON encodes the digest as its compression and a list of
// [mean, count] centroids.
func (d *Digest) MarshalJSON() ([]byte, error) {
	w := wireDigest{Compression: d.compression, Centroids: []centroid{}}
	d.td.ForEachCentroid(func(mean float64, count uint64) bool {
		w.Centroids = append(w.Centroids, centroid{mean, float64(count)})
		return true
	})
	return json.Marshal(w)
}

// UnmarshalJSON rebuilds a digest from its centroids.
func (d *Digest) UnmarshalJSON(b []byte) error {
	var w wireDigest
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("digest: decode: %w", err)
	}
	if w.Compression <= 0 {
		w.Compression = DefaultCompression
	}
	fresh, err := NewWithCompression(w.Compression)
	if err != nil {
		return err
	}
	for _, c := range w.Centroids {
		if c[1] < 1 {
			continue
		}
		if err := fresh.td.AddWeighted(c[0], uint64(c[1])); err != nil {
			return fmt.Errorf("digest: decode centroid: %w", err)
		}
	}
	*d = *fresh
	return nil
}

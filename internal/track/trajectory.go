package track

import (
	"sort"
)

const DefaultTrajectoryCapacity = 200

// Trajectory is a bounded store of recent samples kept sorted by ObservedAt.
// It is not safe for concurrent use; the owning session serializes access.
type Trajectory struct {
	samples  []GeoSample
	capacity int
}

func NewTrajectory(capacity int) *Trajectory {
	if capacity <= 0 {
		capacity = DefaultTrajectoryCapacity
	}
	return &Trajectory{
		samples:  make([]GeoSample, 0, capacity),
		capacity: capacity,
	}
}

// Append inserts s at its time-sorted position. Late samples are kept, exact
// redeliveries are ignored, and once the buffer is full the oldest sample by
// time is evicted. It reports whether the trail changed.
func (t *Trajectory) Append(s GeoSample) (bool, error) {
	if err := ValidatePoint(s.Lat, s.Lon); err != nil {
		return false, err
	}

	// first index strictly after s in time; equal timestamps keep arrival order
	i := sort.Search(len(t.samples), func(i int) bool {
		return t.samples[i].ObservedAt.After(s.ObservedAt)
	})
	for j := i - 1; j >= 0 && t.samples[j].ObservedAt.Equal(s.ObservedAt); j-- {
		if sameSample(t.samples[j], s) {
			return false, nil
		}
	}

	if len(t.samples) >= t.capacity {
		if i == 0 {
			// older than everything retained in a full buffer
			return false, nil
		}
		t.samples = append(t.samples[:0], t.samples[1:]...)
		i--
	}

	t.samples = append(t.samples, GeoSample{})
	copy(t.samples[i+1:], t.samples[i:])
	t.samples[i] = s
	return true, nil
}

// Snapshot returns the samples oldest first.
func (t *Trajectory) Snapshot() []GeoSample {
	out := make([]GeoSample, len(t.samples))
	copy(out, t.samples)
	return out
}

// Latest returns the newest sample by timestamp.
func (t *Trajectory) Latest() (GeoSample, bool) {
	if len(t.samples) == 0 {
		return GeoSample{}, false
	}
	return t.samples[len(t.samples)-1], true
}

func (t *Trajectory) Len() int { return len(t.samples) }

func (t *Trajectory) Cap() int { return t.capacity }

func sameSample(a, b GeoSample) bool {
	return a.DeviceID == b.DeviceID && a.Lat == b.Lat && a.Lon == b.Lon && a.ObservedAt.Equal(b.ObservedAt)
}

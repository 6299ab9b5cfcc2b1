package store

import (
	"fmt"
	"time"
)

// Stats over stored history.
type Stats struct {
	Count           int
	MeanTemperature float32
	MeanHumidity    float32
	MeanLight       int32 // truncated
	// Span between first and last ReceivedAt in history.
	Span time.Duration
}

func (st Stats) String() string {
	return fmt.Sprintf("count=%d temp=%.1fC hum=%.1f%% light=%d%% span=%s",
		st.Count, st.MeanTemperature, st.MeanHumidity, st.MeanLight, st.Span)
}

// Stats returns false when history is empty.
func (self *Store) Stats() (Stats, bool) {
	self.mu.RLock()
	defer self.mu.RUnlock()
	if self.n == 0 {
		return Stats{}, false
	}
	var sumT, sumH, sumL float64
	hist := self.historyLocked()
	for _, snap := range hist {
		sumT += float64(snap.Temperature)
		sumH += float64(snap.Humidity)
		sumL += float64(snap.Light)
	}
	n := float64(len(hist))
	return Stats{
		Count:           len(hist),
		MeanTemperature: float32(sumT / n),
		MeanHumidity:    float32(sumH / n),
		MeanLight:       int32(sumL / n),
		Span:            hist[len(hist)-1].ReceivedAt.Sub(hist[0].ReceivedAt),
	}, true
}

package stream

import "sort"

// Status is the read-only view of one stream exposed to dashboards.
type Status struct {
	Key           string  `json:"key"`
	Publishing    bool    `json:"publishing"`
	Subscribers   int     `json:"subscribers"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	Segments      int     `json:"segments"`
	Video         string  `json:"video,omitempty"`
	Audio         string  `json:"audio,omitempty"`
}

// SegmentCounter reports how many segments a stream's manifest holds.
type SegmentCounter interface {
	SegmentCount(key string) int
}

// StatusOf returns the status of key. Keys with segments but no publisher
// are reported with Publishing false.
func (r *Registry) StatusOf(key string, counter SegmentCounter) (Status, bool) {
	st := Status{Key: key}
	if counter != nil {
		st.Segments = counter.SegmentCount(key)
	}
	s, ok := r.Lookup(key)
	if !ok {
		return st, st.Segments > 0
	}
	st.Publishing = true
	st.Subscribers = s.SubscriberCount()
	st.UptimeSeconds = s.Uptime().Seconds()
	st.Video, st.Audio = s.Params().Describe()
	return st, true
}

// Status returns the status of every publishing stream, sorted by key.
func (r *Registry) Status(counter SegmentCounter) []Status {
	keys := r.Keys()
	out := make([]Status, 0, len(keys))
	for _, k := range keys {
		if st, ok := r.StatusOf(k, counter); ok {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

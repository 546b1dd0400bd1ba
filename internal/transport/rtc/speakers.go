package rtc

import "sort"

// speakerSet tracks the last active-speaker snapshot.
type speakerSet map[string]struct{}

// diff replaces the set with next and returns who started and who stopped
// speaking, each sorted for stable event order.
func (s speakerSet) diff(next []string) (started, stopped []string) {
	nextSet := make(map[string]struct{}, len(next))
	for _, id := range next {
		nextSet[id] = struct{}{}
	}
	for id := range nextSet {
		if _, ok := s[id]; !ok {
			started = append(started, id)
		}
	}
	for id := range s {
		if _, ok := nextSet[id]; !ok {
			stopped = append(stopped, id)
		}
	}
	for id := range s {
		delete(s, id)
	}
	for id := range nextSet {
		s[id] = struct{}{}
	}
	sort.Strings(started)
	sort.Strings(stopped)
	return started, stopped
}

// remove drops id and reports whether it was active.
func (s speakerSet) remove(id string) bool {
	if _, ok := s[id]; !ok {
		return false
	}
	delete(s, id)
	return true
}

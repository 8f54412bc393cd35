package scheduler

import "sort"

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{Running: s.running, Timezone: s.loc.String()}
	for _, d := range s.defs {
		e := s.c.Entry(d.entryID)
		snap.Schedules = append(snap.Schedules, ScheduleInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Next:    e.Next,
			Prev:    e.Prev,
		})
	}
	sort.Slice(snap.Schedules, func(i, j int) bool { return snap.Schedules[i].Name < snap.Schedules[j].Name })
	return snap
}

package trace

// TraceSummary aggregates statistics from a SimulationTrace.
type TraceSummary struct {
	Entered        int
	Exited         int
	MeanTravelTime float64 // seconds, over vehicles seen both entering and exiting a link
	MaxTravelTime  float64
	DroppedAmount  float64
	LinkEntries    map[int64]int // link ID → vehicles entered
}

// Summarize computes aggregate statistics from a SimulationTrace.
// Safe for nil or empty traces (returns zero-value fields).
func Summarize(st *SimulationTrace) *TraceSummary {
	summary := &TraceSummary{
		LinkEntries: make(map[int64]int),
	}
	if st == nil {
		return summary
	}

	type visit struct {
		vehicle int64
		link    int64
	}
	enteredAt := make(map[visit]float64)
	totalTravel := 0.0
	completed := 0
	for _, r := range st.Vehicles {
		key := visit{r.VehicleID, r.Link}
		switch r.Kind {
		case VehicleEntered:
			summary.Entered++
			summary.LinkEntries[r.Link]++
			enteredAt[key] = r.Time
		case VehicleExited:
			summary.Exited++
			if t0, ok := enteredAt[key]; ok {
				tt := r.Time - t0
				totalTravel += tt
				completed++
				if tt > summary.MaxTravelTime {
					summary.MaxTravelTime = tt
				}
				delete(enteredAt, key)
			}
		}
	}
	if completed > 0 {
		summary.MeanTravelTime = totalTravel / float64(completed)
	}

	for _, d := range st.Drops {
		summary.DroppedAmount += d.Amount
	}
	return summary
}

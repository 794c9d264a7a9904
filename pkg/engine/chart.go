package engine

// chartCapacity bounds the in-memory chart history ring. At one point per
// integer percent change this comfortably covers a multi-day session.
const chartCapacity = 2400

// chartPoint is one edge-triggered sample: appended only when the integer
// battery percent actually changes from the previous sample.
type chartPoint struct {
	timestamp int64
	percent   int
	charging  bool
	chargeMax int
	chargeMin int
}

// chartRing is a fixed-capacity FIFO. Once full, the oldest point is
// dropped to make room for the newest.
type chartRing struct {
	points      []chartPoint
	lastPercent *int
}

func newChartRing() *chartRing {
	return &chartRing{points: make([]chartPoint, 0, chartCapacity)}
}

// recordIfChanged appends a point iff percent differs from the last
// recorded percent, or when none has been recorded yet. A nil percent is
// never recorded, matching the "no battery" case.
func (r *chartRing) recordIfChanged(now int64, percent *int, charging bool, chargeMax, chargeMin int) {
	if percent == nil {
		return
	}
	if r.lastPercent != nil && *r.lastPercent == *percent {
		return
	}
	p := *percent
	r.lastPercent = &p

	if len(r.points) >= chartCapacity {
		r.points = r.points[1:]
	}
	r.points = append(r.points, chartPoint{
		timestamp: now,
		percent:   p,
		charging:  charging,
		chargeMax: chargeMax,
		chargeMin: chargeMin,
	})
}

// ChartHistory is the bounded ring unpacked into five parallel sequences,
// matching the external API's wire shape.
type ChartHistory struct {
	Timestamps []int64 `json:"timestamps"`
	Percents   []int   `json:"percents"`
	ChargeMax  []int   `json:"charge_max"`
	ChargeMin  []int   `json:"charge_min"`
	Charging   []bool  `json:"charging"`
}

func (r *chartRing) history() ChartHistory {
	h := ChartHistory{
		Timestamps: make([]int64, len(r.points)),
		Percents:   make([]int, len(r.points)),
		ChargeMax:  make([]int, len(r.points)),
		ChargeMin:  make([]int, len(r.points)),
		Charging:   make([]bool, len(r.points)),
	}
	for i, p := range r.points {
		h.Timestamps[i] = p.timestamp
		h.Percents[i] = p.percent
		h.ChargeMax[i] = p.chargeMax
		h.ChargeMin[i] = p.chargeMin
		h.Charging[i] = p.charging
	}
	return h
}

package config

// Merge returns t with every field set in over replacing the corresponding field.
func (t Thresholds) Merge(over Thresholds) Thresholds {
	pick := func(base, o *float64) *float64 {
		if o != nil {
			return o
		}
		return base
	}
	return Thresholds{
		FrostCritical:  pick(t.FrostCritical, over.FrostCritical),
		FrostWarning:   pick(t.FrostWarning, over.FrostWarning),
		HeatHigh:       pick(t.HeatHigh, over.HeatHigh),
		HeatCritical:   pick(t.HeatCritical, over.HeatCritical),
		WindMedium:     pick(t.WindMedium, over.WindMedium),
		WindHigh:       pick(t.WindHigh, over.WindHigh),
		HumidityLow:    pick(t.HumidityLow, over.HumidityLow),
		HumidityHigh:   pick(t.HumidityHigh, over.HumidityHigh),
		PressureLow:    pick(t.PressureLow, over.PressureLow),
		PrecipIntense:  pick(t.PrecipIntense, over.PrecipIntense),
		RapidChange:    pick(t.RapidChange, over.RapidChange),
		DrySpellDays:   pick(t.DrySpellDays, over.DrySpellDays),
		DataQualityMax: pick(t.DataQualityMax, over.DataQualityMax),
	}
}

// Resolved is a fully populated threshold set for one station.
type Resolved struct {
	FrostCritical  float64
	FrostWarning   float64
	HeatHigh       float64
	HeatCritical   float64
	WindMedium     float64
	WindHigh       float64
	HumidityLow    float64
	HumidityHigh   float64
	PressureLow    float64
	PrecipIntense  float64
	RapidChange    float64
	DrySpellDays   float64
	DataQualityMax float64
}

// ThresholdsFor resolves the triggers of a station. Precedence, lowest first:
// global rules, the crop's frost table, alerts.by_crop, alerts.by_station.
func (c *Config) ThresholdsFor(stationID string) Resolved {
	t := c.Alerts.Global
	if st, ok := c.StationByID(stationID); ok && st.PrimaryCrop != "" {
		if crop, ok := c.Crops[st.PrimaryCrop]; ok {
			crit, warn := crop.FrostCritical, crop.FrostWarning
			t = t.Merge(Thresholds{FrostCritical: &crit, FrostWarning: &warn})
		}
		t = t.Merge(c.Alerts.ByCrop[st.PrimaryCrop])
	}
	t = t.Merge(c.Alerts.ByStation[stationID])

	val := func(p *float64) float64 {
		if p == nil {
			return 0
		}
		return *p
	}
	return Resolved{
		FrostCritical:  val(t.FrostCritical),
		FrostWarning:   val(t.FrostWarning),
		HeatHigh:       val(t.HeatHigh),
		HeatCritical:   val(t.HeatCritical),
		WindMedium:     val(t.WindMedium),
		WindHigh:       val(t.WindHigh),
		HumidityLow:    val(t.HumidityLow),
		HumidityHigh:   val(t.HumidityHigh),
		PressureLow:    val(t.PressureLow),
		PrecipIntense:  val(t.PrecipIntense),
		RapidChange:    val(t.RapidChange),
		DrySpellDays:   val(t.DrySpellDays),
		DataQualityMax: val(t.DataQualityMax),
	}
}

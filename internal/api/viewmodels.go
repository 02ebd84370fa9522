package api

import (
	"time"

	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

type StationView struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	Region          string                 `json:"region,omitempty"`
	Latitude        float64                `json:"latitude"`
	Longitude       float64                `json:"longitude"`
	Elevation       float64                `json:"elevation"`
	SoilClass       string                 `json:"soil_class,omitempty"`
	PrimaryCrop     string                 `json:"primary_crop"`
	MarineInfluence models.MarineInfluence `json:"marine_influence"`
	Active          bool                   `json:"active"`
	Latest          *ObservationView       `json:"latest,omitempty"`
}

func stationView(st models.Station) StationView {
	return StationView{
		ID:              st.StationID,
		Name:            st.Name,
		Region:          st.Region,
		Latitude:        st.Latitude,
		Longitude:       st.Longitude,
		Elevation:       st.Elevation,
		SoilClass:       st.SoilClass,
		PrimaryCrop:     st.PrimaryCrop,
		MarineInfluence: st.MarineInfluence,
		Active:          st.Active,
	}
}

// ObservationView carries only the non-null variables.
type ObservationView struct {
	StationID     string                      `json:"station_id"`
	Timestamp     time.Time                   `json:"timestamp"`
	Values        map[models.Variable]float64 `json:"values"`
	RadiationUnit string                      `json:"radiation_unit,omitempty"`
	Provenance    string                      `json:"provenance"`
	Sources       map[models.Variable]string  `json:"sources,omitempty"`
}

func observationView(o models.Observation) ObservationView {
	v := ObservationView{
		StationID:     o.StationID,
		Timestamp:     o.Timestamp,
		Values:        make(map[models.Variable]float64),
		RadiationUnit: o.RadiationUnit,
		Provenance:    o.Provenance,
		Sources:       o.VariableProvenance,
	}
	for _, variable := range models.Variables {
		if n := o.Get(variable); n.Valid {
			v.Values[variable] = n.Float64
		}
	}
	if !o.Radiation.Valid {
		v.RadiationUnit = ""
	}
	return v
}

type IndexView struct {
	StationID   string                `json:"station_id"`
	Timestamp   time.Time             `json:"timestamp"`
	HeatIndex   float64               `json:"heat_index"`
	WindChill   float64               `json:"wind_chill"`
	DewPoint    float64               `json:"dew_point"`
	GDD         float64               `json:"gdd"`
	ChillHours  float64               `json:"chill_hours"`
	Drought     float64               `json:"drought_idx"`
	FrostRisk   float64               `json:"frost_risk"`
	HeatStress  float64               `json:"heat_stress"`
	WaterStress float64               `json:"water_stress"`
	Growth      float64               `json:"growth_idx"`
	Yield       float64               `json:"yield_idx"`
	Phenology   models.PhenologyStage `json:"phenology,omitempty"`
}

func indexView(d models.DerivedIndex) IndexView {
	return IndexView{
		StationID:   d.StationID,
		Timestamp:   d.Timestamp,
		HeatIndex:   d.HeatIndex,
		WindChill:   d.WindChill,
		DewPoint:    d.DewPointCalc,
		GDD:         d.GDDDaily,
		ChillHours:  d.ChillHoursDaily,
		Drought:     d.DroughtIdx,
		FrostRisk:   d.FrostRisk,
		HeatStress:  d.HeatStress,
		WaterStress: d.WaterStress,
		Growth:      d.GrowthIdx,
		Yield:       d.YieldIdx,
		Phenology:   d.Phenology,
	}
}

type ForecastView struct {
	StationID  string          `json:"station_id"`
	Target     models.Variable `json:"target"`
	ProducedAt time.Time       `json:"produced_at"`
	TargetTime time.Time       `json:"target_time"`
	Horizon    int             `json:"horizon"`
	Value      float64         `json:"value"`
	Lower      float64         `json:"lower"`
	Upper      float64         `json:"upper"`
	Confidence float64         `json:"confidence"`
	Epistemic  float64         `json:"epistemic"`
	Aleatoric  float64         `json:"aleatoric"`
	Model      string          `json:"model"`
	Strategy   string          `json:"strategy,omitempty"`
}

func forecastView(f models.Forecast) ForecastView {
	return ForecastView{
		StationID:  f.StationID,
		Target:     f.Target,
		ProducedAt: f.ProducedAt,
		TargetTime: f.TargetTime,
		Horizon:    f.Horizon,
		Value:      f.Value,
		Lower:      f.Lower,
		Upper:      f.Upper,
		Confidence: f.Confidence,
		Epistemic:  f.Epistemic,
		Aleatoric:  f.Aleatoric,
		Model:      f.ModelName,
		Strategy:   f.Strategy,
	}
}

type DispatchView struct {
	Channel   models.Channel        `json:"channel"`
	Recipient string                `json:"recipient"`
	Status    models.DispatchStatus `json:"status"`
	Attempts  int                   `json:"attempts"`
	Error     string                `json:"error,omitempty"`
	At        time.Time             `json:"at"`
}

type AlertView struct {
	ID          string             `json:"id"`
	Rule        string             `json:"rule"`
	Kind        models.AlertKind   `json:"kind"`
	Severity    models.Severity    `json:"severity"`
	StationID   string             `json:"station_id"`
	TriggeredAt time.Time          `json:"triggered_at"`
	Values      map[string]float64 `json:"values,omitempty"`
	Message     string             `json:"message"`
	Source      string             `json:"source"`
	Dispatches  []DispatchView     `json:"dispatches"`
	CreatedAt   time.Time          `json:"created_at"`
}

func alertView(ev models.AlertEvent) AlertView {
	v := AlertView{
		ID:          ev.ID,
		Rule:        ev.RuleID,
		Kind:        ev.Kind,
		Severity:    ev.Severity,
		StationID:   ev.StationID,
		TriggeredAt: ev.TriggeredAt,
		Values:      ev.Values,
		Message:     ev.Message,
		Source:      ev.Source,
		Dispatches:  make([]DispatchView, 0, len(ev.Dispatches)),
		CreatedAt:   ev.CreatedAt,
	}
	for _, d := range ev.Dispatches {
		v.Dispatches = append(v.Dispatches, DispatchView(d))
	}
	return v
}

type ModelView struct {
	Name       string              `json:"name"`
	Family     string              `json:"family"`
	Version    int                 `json:"version"`
	Target     models.Variable     `json:"target"`
	Kind       models.ModelKind    `json:"kind"`
	BaseModels []string            `json:"base_models,omitempty"`
	Weights    []float64           `json:"weights,omitempty"`
	Features   []string            `json:"features"`
	Metrics    models.ModelMetrics `json:"metrics"`
	Active     bool                `json:"active"`
	CreatedAt  time.Time           `json:"created_at"`
}

func modelView(m models.ModelRecord) ModelView {
	return ModelView{
		Name:       m.Name,
		Family:     m.Family,
		Version:    m.Version,
		Target:     m.Target,
		Kind:       m.Kind,
		BaseModels: m.BaseModels,
		Weights:    m.Weights,
		Features:   m.Features,
		Metrics:    m.Metrics,
		Active:     m.Active,
		CreatedAt:  m.CreatedAt,
	}
}

type AggregateView struct {
	StationID string                 `json:"station_id"`
	Variable  models.Variable        `json:"variable"`
	Bucket    store.Bucket           `json:"bucket"`
	Func      store.AggFunc          `json:"func"`
	Points    []store.AggregatePoint `json:"points"`
}

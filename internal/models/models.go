package models

import (
	"database/sql"
	"time"
)

type MarineInfluence string

const (
	MarineVeryHigh MarineInfluence = "very-high"
	MarineHigh     MarineInfluence = "high"
	MarineMedium   MarineInfluence = "medium"
	MarineLow      MarineInfluence = "low"
	MarineVeryLow  MarineInfluence = "very-low"
)

// Factor maps the qualitative tag onto [0,1], 1 being the strongest coastal regime.
func (m MarineInfluence) Factor() float64 {
	switch m {
	case MarineVeryHigh:
		return 1.0
	case MarineHigh:
		return 0.75
	case MarineMedium:
		return 0.5
	case MarineLow:
		return 0.25
	default:
		return 0
	}
}

type Station struct {
	StationID       string
	Name            string
	Region          string // "quillota", "casablanca"
	Latitude        float64
	Longitude       float64
	Elevation       float64
	SoilClass       string
	PrimaryCrop     string
	MarineInfluence MarineInfluence
	Active          bool
}

// Variable is a canonical observation variable name.
type Variable string

const (
	VarTempMax       Variable = "temperature_max"
	VarTempMin       Variable = "temperature_min"
	VarTempMean      Variable = "temperature_mean"
	VarHumidity      Variable = "humidity"
	VarPrecipitation Variable = "precipitation"
	VarWindSpeed     Variable = "wind_speed"
	VarWindDirection Variable = "wind_direction"
	VarPressure      Variable = "pressure"
	VarCloudCover    Variable = "cloud_cover"
	VarRadiation     Variable = "radiation"
	VarDewPoint      Variable = "dew_point"
	VarUVIndex       Variable = "uv_index"
)

// Variables lists every canonical variable in storage order.
var Variables = []Variable{
	VarTempMax, VarTempMin, VarTempMean, VarHumidity, VarPrecipitation, VarWindSpeed,
	VarWindDirection, VarPressure, VarCloudCover, VarRadiation, VarDewPoint, VarUVIndex,
}

func ParseVariable(s string) (Variable, bool) {
	for _, v := range Variables {
		if string(v) == s {
			return v, true
		}
	}
	return "", false
}

const (
	RadiationWm2        = "W/m2"
	RadiationMJm2Day    = "MJ/m2/day"
	ProvenanceSynthetic = "synthetic"
)

type Observation struct {
	StationID     string
	Timestamp     time.Time
	TempMax       sql.NullFloat64
	TempMin       sql.NullFloat64
	TempMean      sql.NullFloat64
	Humidity      sql.NullFloat64
	Precipitation sql.NullFloat64
	WindSpeed     sql.NullFloat64
	WindDirection sql.NullFloat64
	Pressure      sql.NullFloat64
	CloudCover    sql.NullFloat64
	Radiation     sql.NullFloat64
	RadiationUnit string
	DewPoint      sql.NullFloat64
	UVIndex       sql.NullFloat64
	Provenance    string
	// VariableProvenance records which provider supplied each non-null variable after a merge.
	VariableProvenance map[Variable]string
	CreatedAt          time.Time
}

func (o *Observation) field(v Variable) *sql.NullFloat64 {
	switch v {
	case VarTempMax:
		return &o.TempMax
	case VarTempMin:
		return &o.TempMin
	case VarTempMean:
		return &o.TempMean
	case VarHumidity:
		return &o.Humidity
	case VarPrecipitation:
		return &o.Precipitation
	case VarWindSpeed:
		return &o.WindSpeed
	case VarWindDirection:
		return &o.WindDirection
	case VarPressure:
		return &o.Pressure
	case VarCloudCover:
		return &o.CloudCover
	case VarRadiation:
		return &o.Radiation
	case VarDewPoint:
		return &o.DewPoint
	case VarUVIndex:
		return &o.UVIndex
	}
	return nil
}

// Get returns the value of a canonical variable.
func (o *Observation) Get(v Variable) sql.NullFloat64 {
	if f := o.field(v); f != nil {
		return *f
	}
	return sql.NullFloat64{}
}

// Set stores a value for a canonical variable. Unknown variables are ignored.
func (o *Observation) Set(v Variable, val float64) {
	if f := o.field(v); f != nil {
		*f = sql.NullFloat64{Float64: val, Valid: true}
	}
}

// Value returns the variable value or def when null.
func (o *Observation) Value(v Variable, def float64) float64 {
	if n := o.Get(v); n.Valid {
		return n.Float64
	}
	return def
}

// Equal reports whether two observations carry identical measured content, ignoring provenance.
func (o *Observation) Equal(other *Observation) bool {
	if o.StationID != other.StationID || !o.Timestamp.Equal(other.Timestamp) {
		return false
	}
	for _, v := range Variables {
		if o.Get(v) != other.Get(v) {
			return false
		}
	}
	return o.RadiationUnit == other.RadiationUnit
}

type PhenologyStage string

const (
	StageDormancy    PhenologyStage = "dormancy"
	StageBudbreak    PhenologyStage = "budbreak"
	StageFlowering   PhenologyStage = "flowering"
	StageSet         PhenologyStage = "set"
	StageDevelopment PhenologyStage = "development"
	StageMaturity    PhenologyStage = "maturity"
	StageHarvest     PhenologyStage = "harvest"
)

func ValidStage(s PhenologyStage) bool {
	switch s {
	case StageDormancy, StageBudbreak, StageFlowering, StageSet, StageDevelopment, StageMaturity, StageHarvest:
		return true
	}
	return false
}

type DerivedIndex struct {
	StationID       string
	Timestamp       time.Time
	HeatIndex       float64
	WindChill       float64
	DewPointCalc    float64
	GDDDaily        float64
	ChillHoursDaily float64
	DroughtIdx      float64
	FrostRisk       float64
	HeatStress      float64
	WaterStress     float64
	GrowthIdx       float64
	YieldIdx        float64
	Phenology       PhenologyStage
}

type ModelKind string

const (
	KindSingle   ModelKind = "single"
	KindVoting   ModelKind = "voting"
	KindStacking ModelKind = "stacking"
	KindAdaptive ModelKind = "adaptive"
)

func ParseModelKind(s string) (ModelKind, bool) {
	switch ModelKind(s) {
	case KindSingle, KindVoting, KindStacking, KindAdaptive:
		return ModelKind(s), true
	}
	return "", false
}

type ModelMetrics struct {
	R2               float64 `json:"r2"`
	RMSE             float64 `json:"rmse"`
	MAE              float64 `json:"mae"`
	MAPE             float64 `json:"mape"`
	MaxError         float64 `json:"max_error"`
	CVR2Mean         float64 `json:"cv_r2_mean"`
	CVR2Std          float64 `json:"cv_r2_std"`
	CVRMSEMean       float64 `json:"cv_rmse_mean"`
	CVRMSEStd        float64 `json:"cv_rmse_std"`
	ResidualSkew     float64 `json:"residual_skew"`
	ResidualKurtosis float64 `json:"residual_kurtosis"`
	Samples          int     `json:"samples"`
}

type ModelRecord struct {
	Name            string
	Family          string
	Version         int
	Target          Variable
	Kind            ModelKind
	BaseModels      []string
	Weights         []float64
	Params          map[string]map[string]float64
	Features        []string
	Metrics         ModelMetrics
	BaseMetrics     map[string]ModelMetrics
	TrainingSeconds float64
	CreatedAt       time.Time
	Active          bool
	ArtifactPath    string
}

type Forecast struct {
	ID         int64
	ProducedAt time.Time
	TargetTime time.Time
	StationID  string
	Target     Variable
	Horizon    int
	Value      float64
	Lower      float64
	Upper      float64
	Confidence float64
	Epistemic  float64
	Aleatoric  float64
	ModelName  string
	Strategy   string
}

// Width is the full interval width.
func (f Forecast) Width() float64 { return f.Upper - f.Lower }

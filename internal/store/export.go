package store

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
)

// ExportRow is one observation joined with its derived indices.
type ExportRow struct {
	StationID       string   `parquet:"station_id"`
	Timestamp       int64    `parquet:"timestamp_ms"`
	TemperatureMax  *float64 `parquet:"temperature_max,optional"`
	TemperatureMin  *float64 `parquet:"temperature_min,optional"`
	TemperatureMean *float64 `parquet:"temperature_mean,optional"`
	Humidity        *float64 `parquet:"humidity,optional"`
	Precipitation   *float64 `parquet:"precipitation,optional"`
	WindSpeed       *float64 `parquet:"wind_speed,optional"`
	WindDirection   *float64 `parquet:"wind_direction,optional"`
	Pressure        *float64 `parquet:"pressure,optional"`
	CloudCover      *float64 `parquet:"cloud_cover,optional"`
	Radiation       *float64 `parquet:"radiation,optional"`
	RadiationUnit   string   `parquet:"radiation_unit"`
	DewPoint        *float64 `parquet:"dew_point,optional"`
	UVIndex         *float64 `parquet:"uv_index,optional"`
	Provenance      string   `parquet:"provenance"`
	GDDDaily        *float64 `parquet:"gdd_daily,optional"`
	ChillHours      *float64 `parquet:"chill_hours_daily,optional"`
	FrostRisk       *float64 `parquet:"frost_risk,optional"`
	WaterStress     *float64 `parquet:"water_stress,optional"`
	HeatStress      *float64 `parquet:"heat_stress,optional"`
	DroughtIdx      *float64 `parquet:"drought_idx,optional"`
	Phenology       string   `parquet:"phenology_stage"`
}

// ExportParquet writes a station's observations and indices in [from, to] as zstd-compressed parquet.
// Returns the number of rows written.
func (s *Store) ExportParquet(ctx context.Context, w io.Writer, stationID string, from, to time.Time) (int, error) {
	obs, err := s.GetRange(ctx, stationID, from, to)
	if err != nil {
		return 0, err
	}
	idx, err := s.GetIndices(ctx, stationID, from, to)
	if err != nil {
		return 0, err
	}
	byTS := make(map[int64]int, len(idx))
	for i, d := range idx {
		byTS[d.Timestamp.Unix()] = i
	}

	rows := make([]ExportRow, 0, len(obs))
	for _, o := range obs {
		r := ExportRow{
			StationID:       o.StationID,
			Timestamp:       o.Timestamp.UnixMilli(),
			TemperatureMax:  ptr(o.TempMax.Float64, o.TempMax.Valid),
			TemperatureMin:  ptr(o.TempMin.Float64, o.TempMin.Valid),
			TemperatureMean: ptr(o.TempMean.Float64, o.TempMean.Valid),
			Humidity:        ptr(o.Humidity.Float64, o.Humidity.Valid),
			Precipitation:   ptr(o.Precipitation.Float64, o.Precipitation.Valid),
			WindSpeed:       ptr(o.WindSpeed.Float64, o.WindSpeed.Valid),
			WindDirection:   ptr(o.WindDirection.Float64, o.WindDirection.Valid),
			Pressure:        ptr(o.Pressure.Float64, o.Pressure.Valid),
			CloudCover:      ptr(o.CloudCover.Float64, o.CloudCover.Valid),
			Radiation:       ptr(o.Radiation.Float64, o.Radiation.Valid),
			RadiationUnit:   o.RadiationUnit,
			DewPoint:        ptr(o.DewPoint.Float64, o.DewPoint.Valid),
			UVIndex:         ptr(o.UVIndex.Float64, o.UVIndex.Valid),
			Provenance:      o.Provenance,
		}
		if i, ok := byTS[o.Timestamp.Unix()]; ok {
			d := idx[i]
			r.GDDDaily = ptr(d.GDDDaily, true)
			r.ChillHours = ptr(d.ChillHoursDaily, true)
			r.FrostRisk = ptr(d.FrostRisk, true)
			r.WaterStress = ptr(d.WaterStress, true)
			r.HeatStress = ptr(d.HeatStress, true)
			r.DroughtIdx = ptr(d.DroughtIdx, true)
			r.Phenology = string(d.Phenology)
		}
		rows = append(rows, r)
	}

	pw := parquet.NewGenericWriter[ExportRow](w, parquet.Compression(&parquet.Zstd))
	if _, err := pw.Write(rows); err != nil {
		return 0, fmt.Errorf("write parquet rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return 0, fmt.Errorf("close parquet writer: %w", err)
	}
	return len(rows), nil
}

func ptr(v float64, ok bool) *float64 {
	if !ok {
		return nil
	}
	return &v
}

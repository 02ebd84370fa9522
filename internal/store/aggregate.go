package store

import (
	"context"
	"fmt"
	"time"

	"github.com/montanaflynn/stats"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
)

type Bucket string

const (
	BucketHour  Bucket = "hour"
	BucketDay   Bucket = "day"
	BucketMonth Bucket = "month"
)

type AggFunc string

const (
	AggMean       AggFunc = "mean"
	AggMin        AggFunc = "min"
	AggMax        AggFunc = "max"
	AggSum        AggFunc = "sum"
	AggPercentile AggFunc = "percentile"
)

func ParseBucket(s string) (Bucket, error) {
	switch Bucket(s) {
	case BucketHour, BucketDay, BucketMonth:
		return Bucket(s), nil
	}
	return "", failure.Newf(failure.ValidationRejected, "store.ParseBucket", "unknown bucket %q", s)
}

func ParseAggFunc(s string) (AggFunc, error) {
	switch AggFunc(s) {
	case AggMean, AggMin, AggMax, AggSum, AggPercentile:
		return AggFunc(s), nil
	}
	return "", failure.Newf(failure.ValidationRejected, "store.ParseAggFunc", "unknown aggregate %q", s)
}

type AggregateQuery struct {
	StationID  string
	Variable   models.Variable
	From, To   time.Time
	Bucket     Bucket
	Func       AggFunc
	Percentile float64 // (0, 100], used with AggPercentile
}

type AggregatePoint struct {
	Start time.Time `json:"start"`
	Value float64   `json:"value"`
	Count int       `json:"count"`
}

// Aggregate buckets a variable over [From, To] in the store's local zone.
// Buckets with no non-null values are omitted. Points are returned in ascending order.
func (s *Store) Aggregate(ctx context.Context, q AggregateQuery) ([]AggregatePoint, error) {
	if q.Func == AggPercentile && (q.Percentile <= 0 || q.Percentile > 100) {
		return nil, failure.Newf(failure.ValidationRejected, "store.Aggregate", "percentile %.1f out of (0,100]", q.Percentile)
	}
	obs, err := s.GetRange(ctx, q.StationID, q.From, q.To)
	if err != nil {
		return nil, err
	}

	var points []AggregatePoint
	var current []float64
	var start time.Time
	flush := func() error {
		if len(current) == 0 {
			return nil
		}
		v, err := reduce(current, q.Func, q.Percentile)
		if err != nil {
			return fmt.Errorf("aggregate %s: %w", q.Func, err)
		}
		points = append(points, AggregatePoint{Start: start, Value: v, Count: len(current)})
		current = current[:0]
		return nil
	}

	for _, o := range obs {
		n := o.Get(q.Variable)
		if !n.Valid {
			continue
		}
		b := s.bucketStart(o.Timestamp, q.Bucket)
		if !b.Equal(start) {
			if err := flush(); err != nil {
				return nil, err
			}
			start = b
		}
		current = append(current, n.Float64)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return points, nil
}

func (s *Store) bucketStart(t time.Time, b Bucket) time.Time {
	lt := t.In(s.loc)
	switch b {
	case BucketHour:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), lt.Hour(), 0, 0, 0, s.loc)
	case BucketMonth:
		return time.Date(lt.Year(), lt.Month(), 1, 0, 0, 0, 0, s.loc)
	default:
		return time.Date(lt.Year(), lt.Month(), lt.Day(), 0, 0, 0, 0, s.loc)
	}
}

func reduce(data []float64, fn AggFunc, p float64) (float64, error) {
	in := stats.Float64Data(data)
	switch fn {
	case AggMin:
		return stats.Min(in)
	case AggMax:
		return stats.Max(in)
	case AggSum:
		return stats.Sum(in)
	case AggPercentile:
		return stats.Percentile(in, p)
	default:
		return stats.Mean(in)
	}
}

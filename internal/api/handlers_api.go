package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/metgo/quillota/internal/failure"
	"github.com/metgo/quillota/internal/models"
	"github.com/metgo/quillota/internal/store"
)

// defaultWindow applies when a range query omits from.
const defaultWindow = 7 * 24 * time.Hour

const maxAlerts = 500

// parseTime accepts a local date or an RFC 3339 timestamp.
func (s *Server) parseTime(raw string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", raw, s.loc); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, failure.Newf(failure.ValidationRejected, "api.parseTime", "bad time %q", raw)
	}
	return t, nil
}

// window reads from/to. A bare date for to covers that whole day.
func (s *Server) window(r *http.Request) (time.Time, time.Time, error) {
	q := r.URL.Query()
	to := s.now()
	if raw := q.Get("to"); raw != "" {
		t, err := s.parseTime(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = t
		if len(raw) == len("2006-01-02") {
			to = t.AddDate(0, 0, 1).Add(-time.Second)
		}
	}
	from := to.Add(-defaultWindow)
	if raw := q.Get("from"); raw != "" {
		t, err := s.parseTime(raw)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = t
	}
	if from.After(to) {
		return time.Time{}, time.Time{}, failure.Newf(failure.ValidationRejected, "api.window", "from after to")
	}
	return from, to, nil
}

func intParam(r *http.Request, name string, def, limit int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, failure.Newf(failure.ValidationRejected, "api.intParam", "%s must be a positive integer", name)
	}
	return min(n, limit), nil
}

func (s *Server) handleStations(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	stations, err := s.store.GetStations(r.Context(), !all)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]StationView, 0, len(stations))
	for _, st := range stations {
		out = append(out, stationView(st))
	}
	writeJSON(w, http.StatusOK, out)
}

// station resolves the {id} path parameter, answering 404 itself.
func (s *Server) station(w http.ResponseWriter, r *http.Request) (*models.Station, bool) {
	st, err := s.store.GetStation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.fail(w, r, err)
		return nil, false
	}
	return st, true
}

func (s *Server) handleStation(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	v := stationView(*st)
	obs, err := s.store.Latest(r.Context(), st.StationID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if obs != nil {
		ov := observationView(*obs)
		v.Latest = &ov
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleObservations(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	from, to, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	obs, err := s.store.GetRange(r.Context(), st.StationID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ObservationView, 0, len(obs))
	for _, o := range obs {
		out = append(out, observationView(o))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleIndices(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	from, to, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.store.GetIndices(r.Context(), st.StationID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]IndexView, 0, len(rows))
	for _, d := range rows {
		out = append(out, indexView(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAggregate(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	variable, known := models.ParseVariable(q.Get("variable"))
	if !known {
		s.fail(w, r, failure.Newf(failure.ValidationRejected, "api.aggregate", "unknown variable %q", q.Get("variable")))
		return
	}
	bucket, err := store.ParseBucket(orDefault(q.Get("bucket"), string(store.BucketDay)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	fn, err := store.ParseAggFunc(orDefault(q.Get("func"), string(store.AggMean)))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	var pct float64
	if raw := q.Get("p"); raw != "" {
		if pct, err = strconv.ParseFloat(raw, 64); err != nil {
			s.fail(w, r, failure.Newf(failure.ValidationRejected, "api.aggregate", "bad percentile %q", raw))
			return
		}
	}
	from, to, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	points, err := s.store.Aggregate(r.Context(), store.AggregateQuery{
		StationID: st.StationID, Variable: variable, From: from, To: to, Bucket: bucket, Func: fn, Percentile: pct,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if points == nil {
		points = []store.AggregatePoint{}
	}
	writeJSON(w, http.StatusOK, AggregateView{StationID: st.StationID, Variable: variable, Bucket: bucket, Func: fn, Points: points})
}

func (s *Server) handleExtremes(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	from, to, err := s.window(r)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	events, err := s.store.GetExtremeEvents(r.Context(), st.StationID, from, to)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if events == nil {
		events = []store.ExtremeEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleQuality(w http.ResponseWriter, r *http.Request) {
	st, ok := s.station(w, r)
	if !ok {
		return
	}
	limit, err := intParam(r, "limit", 30, 365)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.store.GetDataQuality(r.Context(), st.StationID, limit)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.DataQuality{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// handleForecasts lists forecasts by target time. Without a range it returns
// the next week.
func (s *Server) handleForecasts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := store.ForecastFilter{StationID: q.Get("station"), ModelName: q.Get("model")}
	if raw := q.Get("target"); raw != "" {
		v, ok := models.ParseVariable(raw)
		if !ok {
			s.fail(w, r, failure.Newf(failure.ValidationRejected, "api.forecasts", "unknown target %q", raw))
			return
		}
		f.Target = v
	}
	if q.Get("from") == "" && q.Get("to") == "" {
		f.From = s.now()
		f.To = f.From.Add(defaultWindow)
	} else {
		from, to, err := s.window(r)
		if err != nil {
			s.fail(w, r, err)
			return
		}
		f.From, f.To = from, to
	}
	rows, err := s.store.GetForecasts(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ForecastView, 0, len(rows))
	for _, fc := range rows {
		out = append(out, forecastView(fc))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", 100, maxAlerts)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	f := store.AlertFilter{StationID: q.Get("station"), Kind: models.AlertKind(q.Get("kind")), Limit: limit}
	if raw := q.Get("since"); raw != "" {
		if f.Since, err = s.parseTime(raw); err != nil {
			s.fail(w, r, err)
			return
		}
	}
	events, err := s.store.GetAlertEvents(r.Context(), f)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]AlertView, 0, len(events))
	for _, ev := range events {
		out = append(out, alertView(ev))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.ListModelRecords(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	out := make([]ModelView, 0, len(recs))
	for _, m := range recs {
		out = append(out, modelView(m))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleNotificationStats(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 7, 365)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.store.NotificationStats(r.Context(), days, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.NotificationStat{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *Server) handleIngestHealth(w http.ResponseWriter, r *http.Request) {
	days, err := intParam(r, "days", 7, 90)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	rows, err := s.store.GetIngestHealth(r.Context(), days, s.now())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if rows == nil {
		rows = []store.IngestHealthSummary{}
	}
	writeJSON(w, http.StatusOK, rows)
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

package access

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/skyeye-ops/skyeye/internal/models"
	"github.com/skyeye-ops/skyeye/internal/storage"
)

// Row is one raw record returned by a data source pull.
type Row struct {
	Timestamp  int64
	Dimensions map[string]string
	Values     map[string]float64
}

// Window bounds one pull.
type Window struct {
	From time.Time
	To   time.Time
}

// DataSource pulls rows for one query shape. Implementations are registered
// by "{source_label}:{type_label}" and constructed once at startup; stages
// receive the registry by parameter.
type DataSource interface {
	Pull(ctx context.Context, qc models.QueryConfig, w Window) ([]Row, error)
}

// SourceRegistry maps source type keys to pull implementations.
type SourceRegistry struct {
	sources map[string]DataSource
}

func NewSourceRegistry() *SourceRegistry {
	return &SourceRegistry{sources: map[string]DataSource{}}
}

func (r *SourceRegistry) Register(sourceType string, src DataSource) {
	r.sources[sourceType] = src
}

// Lookup returns nil for unknown source types; the caller drops the query
// with a warning rather than failing the tick.
func (r *SourceRegistry) Lookup(sourceType string) DataSource {
	return r.sources[sourceType]
}

// BuildRegistry wires the supported source matrix. The monitor/bkdata/custom
// time-series labels all resolve to the range-query transport; log search
// resolves to the document store; event and alert sources read the kv lists
// the collectors feed.
func BuildRegistry(promURL, eventAPI string, timeout time.Duration, docs *storage.DocStore, store *storage.Store) *SourceRegistry {
	reg := NewSourceRegistry()
	ts := &TimeSeriesSource{BaseURL: promURL, Client: &http.Client{Timeout: timeout}}
	ev := &EventSource{BaseURL: eventAPI, Client: &http.Client{Timeout: timeout}, Store: store}
	lg := &LogSource{Docs: docs}

	for _, key := range []string{
		"bk_monitor:time_series", "bk_data:time_series",
		"custom:time_series", "bk_log_search:time_series", "prometheus:time_series",
	} {
		reg.Register(key, ts)
	}
	for _, key := range []string{"bk_monitor:log", "bk_log_search:log"} {
		reg.Register(key, lg)
	}
	for _, key := range []string{
		"bk_monitor:event", "bk_fta:event", "custom:event",
		"bk_monitor:alert", "bk_fta:alert",
	} {
		reg.Register(key, ev)
	}
	return reg
}

// -- time series -------------------------------------------------------------

// TimeSeriesSource pulls from a prometheus-compatible range-query API.
type TimeSeriesSource struct {
	BaseURL string
	Client  *http.Client
}

type rangeResponse struct {
	Status string `json:"status"`
	Data   struct {
		Result []struct {
			Metric map[string]string `json:"metric"`
			Values [][]interface{}   `json:"values"`
		} `json:"result"`
	} `json:"data"`
}

func (s *TimeSeriesSource) Pull(ctx context.Context, qc models.QueryConfig, w Window) ([]Row, error) {
	expr := qc.PromQL
	if expr == "" {
		expr = buildRangeExpr(qc)
	}
	step := qc.Interval
	if step <= 0 {
		step = 60
	}
	q := url.Values{}
	q.Set("query", expr)
	q.Set("start", strconv.FormatInt(w.From.Unix(), 10))
	q.Set("end", strconv.FormatInt(w.To.Unix(), 10))
	q.Set("step", strconv.Itoa(step))

	endpoint := s.BaseURL + "/api/v1/query_range?" + q.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("range query: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("range query status %d", resp.StatusCode)
	}
	var parsed rangeResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode range response: %w", err)
	}
	if parsed.Status != "success" {
		return nil, fmt.Errorf("range query status %q", parsed.Status)
	}

	alias := qc.Alias
	if alias == "" {
		alias = "a"
	}
	var rows []Row
	for _, series := range parsed.Data.Result {
		dims := pickDimensions(series.Metric, qc.AggDimension)
		for _, pair := range series.Values {
			if len(pair) != 2 {
				continue
			}
			ts, ok1 := toInt64(pair[0])
			val, ok2 := toFloat(pair[1])
			if !ok1 || !ok2 {
				log.Warn().Interface("pair", pair).Msg("skip unparsable sample")
				continue
			}
			rows = append(rows, Row{
				Timestamp:  ts,
				Dimensions: dims,
				Values:     map[string]float64{alias: val},
			})
		}
	}
	return rows, nil
}

// buildRangeExpr renders the aggregation shape as a range expression when no
// explicit promql was configured.
func buildRangeExpr(qc models.QueryConfig) string {
	method := qc.AggMethod
	if method == "" {
		method = "avg"
	}
	by := ""
	if len(qc.AggDimension) > 0 {
		by = " by ("
		for i, d := range qc.AggDimension {
			if i > 0 {
				by += ","
			}
			by += d
		}
		by += ")"
	}
	return fmt.Sprintf("%s(%s)%s", method, qc.Metric, by)
}

// -- log search --------------------------------------------------------------

// LogSource counts documents per dimension bucket in the log store.
type LogSource struct {
	Docs *storage.DocStore
}

func (s *LogSource) Pull(ctx context.Context, qc models.QueryConfig, w Window) ([]Row, error) {
	index := qc.IndexSet
	if index == "" {
		index = qc.Table
	}
	docs, err := s.Docs.SearchLogRows(ctx, index, w.From, w.To, qc.Filters, 1000)
	if err != nil {
		return nil, fmt.Errorf("log search %s: %w", index, err)
	}
	alias := qc.Alias
	if alias == "" {
		alias = "a"
	}
	// bucket counts per dimension set per interval
	step := int64(qc.Interval)
	if step <= 0 {
		step = 60
	}
	type bucket struct {
		dims  map[string]string
		ts    int64
		count float64
	}
	buckets := map[string]*bucket{}
	for _, doc := range docs {
		dims := map[string]string{}
		for _, d := range qc.AggDimension {
			if v, ok := doc[d]; ok {
				dims[d] = fmt.Sprintf("%v", v)
			}
		}
		ts := extractTimestamp(doc)
		if ts == 0 {
			continue
		}
		ts = ts - ts%step
		key := fmt.Sprintf("%s.%d", models.DimensionsMD5(dims), ts)
		b := buckets[key]
		if b == nil {
			b = &bucket{dims: dims, ts: ts}
			buckets[key] = b
		}
		b.count++
	}
	rows := make([]Row, 0, len(buckets))
	for _, b := range buckets {
		rows = append(rows, Row{
			Timestamp:  b.ts,
			Dimensions: b.dims,
			Values:     map[string]float64{alias: b.count},
		})
	}
	return rows, nil
}

func extractTimestamp(doc map[string]any) int64 {
	raw, ok := doc["@timestamp"]
	if !ok {
		raw, ok = doc["time"]
	}
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return int64(v)
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.Unix()
		}
	}
	return 0
}

// -- events / external alerts ------------------------------------------------

// EventSource pulls collector-fed events. Collectors push JSON rows onto a
// kv list per table; an optional HTTP API serves historical windows.
type EventSource struct {
	BaseURL string
	Client  *http.Client
	Store   *storage.Store
}

type eventRow struct {
	Timestamp  int64             `json:"time"`
	Dimensions map[string]string `json:"dimensions"`
	Values     map[string]float64 `json:"values"`
}

func (s *EventSource) Pull(ctx context.Context, qc models.QueryConfig, w Window) ([]Row, error) {
	key := fmt.Sprintf("%s.data.list.%s", s.Store.Keys.Prefix, qc.Table)
	rdb := s.Store.Client()
	var rows []Row
	for {
		raw, err := rdb.RPop(ctx, key).Result()
		if err != nil {
			break
		}
		var er eventRow
		if err := json.Unmarshal([]byte(raw), &er); err != nil {
			log.Warn().Err(err).Str("table", qc.Table).Str("raw", raw).Msg("drop malformed event row")
			continue
		}
		if er.Timestamp < w.From.Unix() || er.Timestamp > w.To.Unix() {
			// out of window, likely a replay; still process, Expire filter decides
		}
		rows = append(rows, Row{Timestamp: er.Timestamp, Dimensions: er.Dimensions, Values: er.Values})
	}
	return rows, nil
}

func pickDimensions(metric map[string]string, wanted []string) map[string]string {
	if len(wanted) == 0 {
		out := make(map[string]string, len(metric))
		for k, v := range metric {
			if k == "__name__" {
				continue
			}
			out[k] = v
		}
		return out
	}
	out := make(map[string]string, len(wanted))
	for _, d := range wanted {
		if v, ok := metric[d]; ok {
			out[d] = v
		}
	}
	return out
}

func toInt64(v interface{}) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return int64(f), true
		}
	}
	return 0, false
}

func toFloat(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f, true
		}
	}
	return 0, false
}

package storage

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	es "github.com/elastic/go-elasticsearch/v8"

	"github.com/skyeye-ops/skyeye/internal/config"
	"github.com/skyeye-ops/skyeye/internal/models"
)

// DocStore persists alert documents and flow logs. Alerts are upserted by
// id; logs are append-only. Indices roll by year: {prefix}_{yyyy}.
type DocStore struct {
	es         *es.Client
	alertIndex string
	logIndex   string
}

func NewDocStore(cfg *config.DocStoreConfig) (*DocStore, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.TLSSkipVerify,
		},
		MaxIdleConns:        100,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	}
	client, err := es.NewClient(es.Config{
		Addresses: cfg.Addresses,
		Username:  cfg.Username,
		Password:  cfg.Password,
		Transport: transport,
	})
	if err != nil {
		return nil, fmt.Errorf("new doc store client: %w", err)
	}
	return &DocStore{es: client, alertIndex: cfg.AlertIndex, logIndex: cfg.LogIndex}, nil
}

// Ping verifies the cluster answers.
func (d *DocStore) Ping(ctx context.Context) error {
	res, err := d.es.Ping(d.es.Ping.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("doc store ping: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("doc store ping: %s", res.String())
	}
	return nil
}

// AlertIndexFor returns the time-rolled alert index name.
func (d *DocStore) AlertIndexFor(t time.Time) string {
	return fmt.Sprintf("%s_%d", d.alertIndex, t.Year())
}

// LogIndexFor returns the time-rolled log index name.
func (d *DocStore) LogIndexFor(t time.Time) string {
	return fmt.Sprintf("%s_%d", d.logIndex, t.Year())
}

// UpsertAlerts bulk-indexes alerts by id. Replays of the same batch are
// idempotent: the document id is the alert uid.
func (d *DocStore) UpsertAlerts(ctx context.Context, alerts []*models.Alert) error {
	if len(alerts) == 0 {
		return nil
	}
	var buf bytes.Buffer
	index := d.AlertIndexFor(time.Now())
	for _, a := range alerts {
		meta := map[string]map[string]string{"index": {"_index": index, "_id": a.ID}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return err
		}
		if err := json.NewEncoder(&buf).Encode(a); err != nil {
			return fmt.Errorf("encode alert %s: %w", a.ID, err)
		}
	}
	return d.bulk(ctx, &buf)
}

// AppendLogs bulk-appends flow logs. Log documents get auto ids.
func (d *DocStore) AppendLogs(ctx context.Context, logs []models.AlertLog) error {
	if len(logs) == 0 {
		return nil
	}
	var buf bytes.Buffer
	index := d.LogIndexFor(time.Now())
	for _, l := range logs {
		meta := map[string]map[string]string{"index": {"_index": index}}
		if err := json.NewEncoder(&buf).Encode(meta); err != nil {
			return err
		}
		if err := json.NewEncoder(&buf).Encode(l); err != nil {
			return fmt.Errorf("encode alert log %s/%s: %w", l.AlertID, l.OpType, err)
		}
	}
	return d.bulk(ctx, &buf)
}

func (d *DocStore) bulk(ctx context.Context, body io.Reader) error {
	res, err := d.es.Bulk(body, d.es.Bulk.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("bulk request: %w", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return fmt.Errorf("bulk response: %s", res.String())
	}
	// surface per-item failures; the caller retries the whole batch
	var parsed struct {
		Errors bool `json:"errors"`
		Items  []map[string]struct {
			Status int `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"items"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("decode bulk response: %w", err)
	}
	if parsed.Errors {
		for _, item := range parsed.Items {
			for op, r := range item {
				if r.Error != nil {
					return fmt.Errorf("bulk %s failed: %s: %s", op, r.Error.Type, r.Error.Reason)
				}
			}
		}
		return fmt.Errorf("bulk reported errors")
	}
	return nil
}

// GetAlert fetches one alert document by id, searching the rolled indices.
func (d *DocStore) GetAlert(ctx context.Context, id string) (*models.Alert, error) {
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"_id": id}},
		"size":  1,
	}
	raw, _ := json.Marshal(query)
	res, err := d.es.Search(
		d.es.Search.WithContext(ctx),
		d.es.Search.WithIndex(d.alertIndex+"_*"),
		d.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("search alert %s: %w", id, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search alert %s: %s", id, res.String())
	}
	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.Alert `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode alert %s: %w", id, err)
	}
	if len(parsed.Hits.Hits) == 0 {
		return nil, nil
	}
	a := parsed.Hits.Hits[0].Source
	return &a, nil
}

// ListLogs returns the flow logs of one alert ordered by time.
func (d *DocStore) ListLogs(ctx context.Context, alertID string, limit int) ([]models.AlertLog, error) {
	if limit <= 0 {
		limit = 100
	}
	query := map[string]any{
		"query": map[string]any{"term": map[string]any{"alert_id": alertID}},
		"sort":  []map[string]any{{"time": map[string]any{"order": "asc"}}},
		"size":  limit,
	}
	raw, _ := json.Marshal(query)
	res, err := d.es.Search(
		d.es.Search.WithContext(ctx),
		d.es.Search.WithIndex(d.logIndex+"_*"),
		d.es.Search.WithBody(bytes.NewReader(raw)),
	)
	if err != nil {
		return nil, fmt.Errorf("search logs %s: %w", alertID, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search logs %s: %s", alertID, res.String())
	}
	var parsed struct {
		Hits struct {
			Hits []struct {
				Source models.AlertLog `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode logs %s: %w", alertID, err)
	}
	out := make([]models.AlertLog, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		out = append(out, h.Source)
	}
	return out, nil
}

// SearchLogRows backs the bk_log_search-style data source: count + rows in a
// time window with dimension filters.
func (d *DocStore) SearchLogRows(ctx context.Context, index string, from, to time.Time, filters map[string]string, size int) ([]map[string]any, error) {
	must := []map[string]any{
		{"range": map[string]any{"@timestamp": map[string]any{
			"gte": from.Format(time.RFC3339), "lte": to.Format(time.RFC3339),
		}}},
	}
	for k, v := range filters {
		must = append(must, map[string]any{"term": map[string]any{k: v}})
	}
	query := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"size":  size,
	}
	raw, _ := json.Marshal(query)
	res, err := d.es.Search(
		d.es.Search.WithContext(ctx),
		d.es.Search.WithIndex(index),
		d.es.Search.WithBody(bytes.NewReader(raw)),
		d.es.Search.WithTrackTotalHits(true),
	)
	if err != nil {
		return nil, fmt.Errorf("search log rows %s: %w", index, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, fmt.Errorf("search log rows %s: %s", index, res.String())
	}
	var parsed struct {
		Hits struct {
			Hits []struct {
				Source map[string]any `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode log rows %s: %w", index, err)
	}
	rows := make([]map[string]any, 0, len(parsed.Hits.Hits))
	for _, h := range parsed.Hits.Hits {
		rows = append(rows, h.Source)
	}
	return rows, nil
}

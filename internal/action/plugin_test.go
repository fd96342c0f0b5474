package action

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyeye-ops/skyeye/internal/models"
)

func renderAlert() *models.Alert {
	return &models.Alert{
		ID:         "16198402901",
		AlertName:  "cpu usage high",
		Severity:   2,
		Status:     models.AlertAbnormal,
		BizID:      2,
		BeginTime:  1619840290,
		Dimensions: map[string]string{"ip": "10.0.0.1", "device": "eth0"},
	}
}

type fakeNotifier struct {
	name  string
	fail  bool
	sent  int
	title string
}

func (f *fakeNotifier) Name() string { return f.name }

func (f *fakeNotifier) Send(_ context.Context, title, _ string) error {
	if f.fail {
		return fmt.Errorf("boom")
	}
	f.sent++
	f.title = title
	return nil
}

func TestRenderBase(t *testing.T) {
	inputs := renderBase(renderAlert(), models.StrategyAction{
		Options: map[string]string{"url": "http://hook.local"},
	})

	assert.Equal(t, "16198402901", inputs["alert_id"])
	assert.Equal(t, "cpu usage high", inputs["alert_name"])
	assert.Equal(t, "2", inputs["severity"])
	assert.Equal(t, "2", inputs["bk_biz_id"])
	assert.Equal(t, "10.0.0.1", inputs["dim.ip"])
	assert.Equal(t, "eth0", inputs["dim.device"])
	assert.Equal(t, "http://hook.local", inputs["url"])
}

func TestRenderText(t *testing.T) {
	title, text := renderText(renderBase(renderAlert(), models.StrategyAction{}))

	assert.Equal(t, "[ABNORMAL] cpu usage high (severity 2)", title)
	assert.Contains(t, text, "alert 16198402901, business 2")
	assert.Contains(t, text, "ip = 10.0.0.1")
	assert.Contains(t, text, "device = eth0")
}

func TestNoticePlugin(t *testing.T) {
	t.Run("all channels succeed", func(t *testing.T) {
		a := &fakeNotifier{name: "wechat"}
		b := &fakeNotifier{name: "dingtalk"}
		p := NoticePlugin{Notifiers: []Notifier{a, b}}

		inst := &models.ActionInstance{Inputs: p.RenderInputs(renderAlert(), models.StrategyAction{})}
		outputs, err := p.Perform(context.Background(), inst)
		require.NoError(t, err)
		assert.Equal(t, "true", outputs["sent.wechat"])
		assert.Equal(t, "true", outputs["sent.dingtalk"])
		assert.Equal(t, 1, a.sent)
		assert.Equal(t, 1, b.sent)
	})

	t.Run("one failure fails the instance but keeps deliveries", func(t *testing.T) {
		a := &fakeNotifier{name: "wechat"}
		b := &fakeNotifier{name: "dingtalk", fail: true}
		p := NoticePlugin{Notifiers: []Notifier{a, b}}

		inst := &models.ActionInstance{Inputs: p.RenderInputs(renderAlert(), models.StrategyAction{})}
		outputs, err := p.Perform(context.Background(), inst)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "dingtalk")
		assert.Equal(t, "true", outputs["sent.wechat"])
		assert.Empty(t, outputs["sent.dingtalk"])
	})

	t.Run("retry skips already delivered channels", func(t *testing.T) {
		a := &fakeNotifier{name: "wechat"}
		b := &fakeNotifier{name: "dingtalk"}
		p := NoticePlugin{Notifiers: []Notifier{a, b}}

		inst := &models.ActionInstance{
			Inputs:  p.RenderInputs(renderAlert(), models.StrategyAction{}),
			Outputs: map[string]string{"sent.wechat": "true"},
		}
		outputs, err := p.Perform(context.Background(), inst)
		require.NoError(t, err)
		assert.Equal(t, "true", outputs["sent.wechat"])
		assert.Equal(t, "true", outputs["sent.dingtalk"])
		assert.Equal(t, 0, a.sent)
		assert.Equal(t, 1, b.sent)
	})
}

func TestWebhookPlugin(t *testing.T) {
	t.Run("posts rendered inputs", func(t *testing.T) {
		var gotBody string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
			buf := make([]byte, 4096)
			n, _ := r.Body.Read(buf)
			gotBody = string(buf[:n])
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		p := WebhookPlugin{}
		inputs := p.RenderInputs(renderAlert(), models.StrategyAction{
			Options: map[string]string{"url": srv.URL},
		})
		outputs, err := p.Perform(context.Background(), &models.ActionInstance{Inputs: inputs})
		require.NoError(t, err)
		assert.Equal(t, "200", outputs["status_code"])
		assert.Equal(t, "ok", outputs["body"])
		assert.Contains(t, gotBody, `"alert_id":"16198402901"`)
	})

	t.Run("non-2xx is an error with outputs kept", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		p := WebhookPlugin{}
		outputs, err := p.Perform(context.Background(), &models.ActionInstance{
			Inputs: map[string]string{"url": srv.URL},
		})
		require.Error(t, err)
		assert.Equal(t, "502", outputs["status_code"])
	})

	t.Run("missing url option", func(t *testing.T) {
		p := WebhookPlugin{}
		_, err := p.Perform(context.Background(), &models.ActionInstance{Inputs: map[string]string{}})
		assert.Error(t, err)
	})
}

func TestJobPlugin(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"job_instance_id":"job-42"}`))
	}))
	defer srv.Close()

	p := JobPlugin{ExecutorURL: srv.URL}
	outputs, err := p.Perform(context.Background(), &models.ActionInstance{
		Inputs:   map[string]string{"script_id": "7"},
		AlertIDs: []string{"16198402901"},
	})
	require.NoError(t, err)
	assert.Equal(t, "job-42", outputs["job_instance_id"])

	_, err = JobPlugin{}.Perform(context.Background(), &models.ActionInstance{})
	assert.Error(t, err)
}

func TestCompositePlugin(t *testing.T) {
	reg := NewPluginRegistry()
	sendCount := 0
	reg.Register(NoticePlugin{Notifiers: []Notifier{&fakeNotifier{name: "wechat"}}})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendCount++
		w.Write([]byte("ok"))
	}))
	defer srv.Close()
	reg.Register(WebhookPlugin{})

	p := CompositePlugin{Registry: reg}
	reg.Register(p)

	t.Run("runs children in order and prefixes outputs", func(t *testing.T) {
		inst := &models.ActionInstance{Inputs: map[string]string{
			"chain":      "notice, webhook",
			"url":        srv.URL,
			"alert_name": "cpu usage high",
		}}
		outputs, err := p.Perform(context.Background(), inst)
		require.NoError(t, err)
		assert.Equal(t, "true", outputs["notice.sent.wechat"])
		assert.Equal(t, "200", outputs["webhook.status_code"])
		assert.Equal(t, 1, sendCount)
	})

	t.Run("unknown child type stops the chain", func(t *testing.T) {
		inst := &models.ActionInstance{Inputs: map[string]string{"chain": "nope"}}
		_, err := p.Perform(context.Background(), inst)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "nope")
	})

	t.Run("composite never recurses into itself", func(t *testing.T) {
		inst := &models.ActionInstance{Inputs: map[string]string{"chain": "composite"}}
		outputs, err := p.Perform(context.Background(), inst)
		require.NoError(t, err)
		assert.Empty(t, outputs)
	})
}

func TestDingTalkAddSign(t *testing.T) {
	d := &DingTalkNotifier{}
	signed := d.addSign("https://oapi.dingtalk.com/robot/send?access_token=abc", "secret")
	assert.True(t, strings.Contains(signed, "timestamp="))
	assert.True(t, strings.Contains(signed, "sign="))
	assert.True(t, strings.Contains(signed, "access_token=abc"))
}

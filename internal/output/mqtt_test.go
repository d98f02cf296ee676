package output

import (
	"context"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/anti-koerper/antikoerper/internal/models"
)

func TestTopic(t *testing.T) {
	tests := []struct {
		prefix, key, want string
	}{
		{"", "os.loadavg.load1m", "os/loadavg/load1m"},
		{"antikoerper/web1", "os.loadavg.load1m", "antikoerper/web1/os/loadavg/load1m"},
		{"hosts", "disk./var.used", "hosts/disk/_var/used"},
		{"hosts", "odd+key#x", "hosts/odd_key_x"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, Topic(tt.prefix, tt.key), "Topic(%q, %q)", tt.prefix, tt.key)
	}
}

func TestMQTTPayload(t *testing.T) {
	ts := time.UnixMilli(1735689600123)

	got, err := mqttPayload(models.Metric{Key: "a.b", Value: models.Number(0.52), Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":0.52,"timestamp":1735689600123}`, string(got))

	got, err = mqttPayload(models.Metric{Key: "a.raw", Value: models.Raw("PROCS OK"), Timestamp: ts})
	require.NoError(t, err)
	assert.JSONEq(t, `{"value":"PROCS OK","timestamp":1735689600123}`, string(got))

	_, err = mqttPayload(models.Metric{Key: "a.b", Value: models.Number(math.Inf(1)), Timestamp: ts})
	assert.Error(t, err)
}

func TestNewMQTTSink_RejectsInvalidQoS(t *testing.T) {
	_, err := NewMQTTSink(MQTTConfig{Broker: "tcp://127.0.0.1:1883", QoS: 3}, zaptest.NewLogger(t))
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, MQTTSinkName, se.Sink)
}

// ackToken is an mqtt.Token completed by closing done.
type ackToken struct {
	done chan struct{}
	err  error
}

func (t *ackToken) Wait() bool { <-t.done; return true }

func (t *ackToken) WaitTimeout(d time.Duration) bool {
	select {
	case <-t.done:
		return true
	case <-time.After(d):
		return false
	}
}

func (t *ackToken) Done() <-chan struct{} { return t.done }
func (t *ackToken) Error() error          { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  string
}

// recordingClient records publishes. Tokens complete immediately unless
// hold is set, and carry err.
type recordingClient struct {
	mqtt.Client

	hold bool
	err  error

	mu   sync.Mutex
	msgs []published
}

func (c *recordingClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	c.msgs = append(c.msgs, published{topic, qos, retained, string(payload.([]byte))})
	c.mu.Unlock()

	t := &ackToken{done: make(chan struct{}), err: c.err}
	if !c.hold {
		close(t.done)
	}
	return t
}

func (c *recordingClient) Disconnect(uint) {}

func newRecordingSink(t *testing.T, c *recordingClient) *MQTTSink {
	return &MQTTSink{client: c, prefix: "hosts/web1", qos: 1, retain: true, logger: zaptest.NewLogger(t)}
}

func TestMQTTSink_WritePublishesOneMessagePerMetric(t *testing.T) {
	c := &recordingClient{}
	s := newRecordingSink(t, c)
	ts := time.UnixMilli(1735689600000)

	err := s.Write(context.Background(), []models.Metric{
		{Key: "os.loadavg.load1m", Value: models.Number(0.52), Timestamp: ts},
		{Key: "os.loadavg.bad", Value: models.Number(math.NaN()), Timestamp: ts},
		{Key: "os.loadavg.raw", Value: models.Raw("0.52 0.61"), Timestamp: ts},
	})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	require.Len(t, c.msgs, 2)
	assert.Equal(t, "hosts/web1/os/loadavg/load1m", c.msgs[0].topic)
	assert.Equal(t, byte(1), c.msgs[0].qos)
	assert.True(t, c.msgs[0].retained)
	assert.JSONEq(t, `{"value":0.52,"timestamp":1735689600000}`, c.msgs[0].payload)
	assert.Equal(t, "hosts/web1/os/loadavg/raw", c.msgs[1].topic)
	assert.JSONEq(t, `{"value":"0.52 0.61","timestamp":1735689600000}`, c.msgs[1].payload)
}

func TestMQTTSink_WriteReportsPublishError(t *testing.T) {
	c := &recordingClient{err: errors.New("not authorized")}
	s := newRecordingSink(t, c)

	err := s.Write(context.Background(), []models.Metric{{Key: "a.b", Value: models.Number(1), Timestamp: time.Now()}})
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, MQTTSinkName, se.Sink)
	assert.Contains(t, err.Error(), "not authorized")
}

func TestMQTTSink_WriteTimesOutWithoutAck(t *testing.T) {
	c := &recordingClient{hold: true}
	s := newRecordingSink(t, c)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	begin := time.Now()
	err := s.Write(ctx, []models.Metric{{Key: "a.b", Value: models.Number(1), Timestamp: begin}})
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, err.Error(), "not acknowledged")
	assert.Less(t, time.Since(begin), publishTimeout)
}

func TestMQTTSink_UnreachableBroker(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	broker := "tcp://" + strings.TrimPrefix(srv.URL, "http://")
	srv.Close()

	s, err := NewMQTTSink(MQTTConfig{
		Broker:         broker,
		QoS:            1,
		ConnectTimeout: 100 * time.Millisecond,
	}, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer s.Close()

	begin := time.Now()
	err = s.Write(context.Background(), []models.Metric{{Key: "a.b", Value: models.Number(1), Timestamp: begin}})
	var se *SinkError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, MQTTSinkName, se.Sink)
	assert.WithinDuration(t, begin.Add(publishTimeout), time.Now(), 2*time.Second)
}

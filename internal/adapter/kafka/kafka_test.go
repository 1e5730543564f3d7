package kafka

import (
	"testing"
	"time"

	kafkago "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapMessageToAlert(t *testing.T) {
	issued := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	msg := kafkago.Message{
		Key: []byte("alert-1"),
		Value: []byte(`{
			"id": "alert-1",
			"event_type": "flood",
			"severity": "severe",
			"title": "Flash flood warning",
			"lat": 13.75,
			"lon": 100.5,
			"issued_at": "2026-03-14T09:30:00Z"
		}`),
		Topic:     "disaster-alerts",
		Partition: 1,
		Offset:    7,
	}

	alert, err := mapMessageToAlert(msg)
	require.NoError(t, err)

	assert.Equal(t, "alert-1", alert.ID)
	assert.Equal(t, "flood", alert.EventType)
	assert.Equal(t, "severe", alert.Severity)
	assert.Equal(t, "Flash flood warning", alert.Title)
	assert.InDelta(t, 13.75, alert.Lat, 1e-9)
	assert.InDelta(t, 100.5, alert.Lon, 1e-9)
	assert.Equal(t, issued, alert.IssuedAt)
}

func TestMapMessageToAlert_FillsFromMessageMetadata(t *testing.T) {
	produced := time.Date(2026, 3, 14, 9, 31, 0, 0, time.UTC)
	msg := kafkago.Message{
		Key:   []byte("alert-2"),
		Value: []byte(`{"event_type":"earthquake","severity":"extreme","lat":35.6,"lon":139.7}`),
		Time:  produced,
	}

	alert, err := mapMessageToAlert(msg)
	require.NoError(t, err)

	assert.Equal(t, "alert-2", alert.ID)
	assert.Equal(t, produced, alert.IssuedAt)
}

func TestMapMessageToAlert_MalformedPayload(t *testing.T) {
	_, err := mapMessageToAlert(kafkago.Message{Value: []byte("not json")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decode alert message")
}

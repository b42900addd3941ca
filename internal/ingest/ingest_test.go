package ingest

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/models"
)

func TestDecodePing(t *testing.T) {
	at := time.Date(2026, 5, 12, 9, 0, 0, 0, time.UTC)
	b, err := json.Marshal(LocationPing{TechnicianID: "t1", Position: models.Coord{Lat: 14.6, Lon: -90.5}, Online: true, At: at})
	require.NoError(t, err)

	p, err := DecodePing(b)
	require.NoError(t, err)
	assert.Equal(t, "t1", p.TechnicianID)
	assert.True(t, p.Online)
	assert.True(t, at.Equal(p.At))
}

func TestDecodePingRejectsBadInput(t *testing.T) {
	for name, raw := range map[string]string{
		"not json":        `{`,
		"missing id":      `{"position":{"lat":1,"lon":2}}`,
		"latitude range":  `{"technician_id":"t1","position":{"lat":95,"lon":2}}`,
		"longitude range": `{"technician_id":"t1","position":{"lat":1,"lon":-200}}`,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := DecodePing([]byte(raw))
			assert.ErrorIs(t, err, ErrInvalidPing)
		})
	}
}

func TestPingFromOfflineTechnician(t *testing.T) {
	p := PingFrom(models.Technician{ID: "t1", Online: false})
	assert.False(t, p.Online)
	assert.Equal(t, models.Coord{}, p.Position)
}

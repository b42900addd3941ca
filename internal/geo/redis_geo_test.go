package geo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/field-dispatch/internal/models"
)

func TestRedisGeoFindCandidates(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping integration test")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx := context.Background()
	key := fmt.Sprintf("technicians_geo_test_%d", time.Now().UnixNano())
	defer rdb.Del(ctx, key)

	g := NewRedisGeo(rdb, key)
	near := tech(key+"-near", north(cityCenter, 2), models.VehicleTowTruck)
	far := tech(key+"-far", north(cityCenter, 5), models.VehicleTowTruck)
	offline := tech(key+"-offline", north(cityCenter, 1), models.VehicleTowTruck)
	offline.Online = false
	for _, tt := range []models.Technician{far, near, offline} {
		require.NoError(t, g.Upsert(ctx, tt))
		defer g.Remove(ctx, tt.ID)
	}

	got, err := g.FindCandidates(ctx, query())
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, near.ID, got[0].TechnicianID)
	assert.Equal(t, far.ID, got[1].TechnicianID)
}

func TestMetaRoundTripKeepsRankingFields(t *testing.T) {
	in := models.Technician{
		ID:              "t1",
		VehicleType:     models.VehicleVan,
		Online:          true,
		Rating:          4.7,
		ActiveOffers:    2,
		State:           models.TechJobOffered,
		LastCompletedAt: time.Unix(0, 1700000000000000000),
	}
	raw := map[string]string{}
	for k, v := range MetaFields(in) {
		raw[k] = v.(string)
	}
	out := ParseMeta("t1", raw)
	assert.Equal(t, in.VehicleType, out.VehicleType)
	assert.Equal(t, in.Rating, out.Rating)
	assert.Equal(t, in.ActiveOffers, out.ActiveOffers)
	assert.Equal(t, in.State, out.State)
	assert.True(t, in.LastCompletedAt.Equal(out.LastCompletedAt))
}

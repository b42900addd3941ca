package geo

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/example/field-dispatch/internal/models"
	"github.com/redis/go-redis/v9"
)

// RedisGeo implements Geo using Redis GEO commands. Positions live in one
// GEO set, everything else the ranking needs in a hash per technician.
type RedisGeo struct {
	client *redis.Client
	key    string
}

func NewRedisGeo(client *redis.Client, key string) *RedisGeo {
	return &RedisGeo{client: client, key: key}
}

func (r *RedisGeo) Upsert(ctx context.Context, t models.Technician) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if t.Online && t.Position != nil {
			p.GeoAdd(ctx, r.key, &redis.GeoLocation{Longitude: t.Position.Lon, Latitude: t.Position.Lat, Name: t.ID})
		} else {
			p.ZRem(ctx, r.key, t.ID)
		}
		p.HSet(ctx, MetaKey(t.ID), MetaFields(t))
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis geo upsert %s: %w", t.ID, err)
	}
	return nil
}

func (r *RedisGeo) Remove(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, r.key, id)
		p.Del(ctx, MetaKey(id))
		return nil
	})
	return err
}

func (r *RedisGeo) FindCandidates(ctx context.Context, q Query) ([]Candidate, error) {
	res, err := r.client.GeoSearchLocation(ctx, r.key, &redis.GeoSearchLocationQuery{
		GeoSearchQuery: redis.GeoSearchQuery{
			Longitude:  q.Point.Lon,
			Latitude:   q.Point.Lat,
			Radius:     q.RadiusKm,
			RadiusUnit: "km",
			Sort:       "ASC",
		},
		WithCoord: true,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("redis geo search: %w", err)
	}
	if len(res) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(res))
	_, err = r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, g := range res {
			cmds[i] = p.HGetAll(ctx, MetaKey(g.Name))
		}
		return nil
	})
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redis geo meta: %w", err)
	}

	techs := make([]models.Technician, 0, len(res))
	for i, g := range res {
		meta, err := cmds[i].Result()
		if err != nil || len(meta) == 0 {
			continue
		}
		t := ParseMeta(g.Name, meta)
		t.Position = &models.Coord{Lat: g.Latitude, Lon: g.Longitude}
		techs = append(techs, t)
	}
	return Rank(techs, q), nil
}

func MetaKey(id string) string { return "technician:meta:" + id }

// MetaFields is the hash layout shared with the location consumer.
func MetaFields(t models.Technician) map[string]interface{} {
	var last int64
	if !t.LastCompletedAt.IsZero() {
		last = t.LastCompletedAt.UnixNano()
	}
	return map[string]interface{}{
		"vehicle_type":      string(t.VehicleType),
		"rating":            strconv.FormatFloat(t.Rating, 'f', -1, 64),
		"online":            strconv.FormatBool(t.Online),
		"state":             string(t.State),
		"active_offers":     strconv.Itoa(t.ActiveOffers),
		"last_completed_at": strconv.FormatInt(last, 10),
		"updated":           time.Now().Format(time.RFC3339),
	}
}

func ParseMeta(id string, m map[string]string) models.Technician {
	t := models.Technician{ID: id}
	t.VehicleType = models.VehicleType(m["vehicle_type"])
	t.State = models.TechnicianState(m["state"])
	t.Online = m["online"] == "true"
	if f, err := strconv.ParseFloat(m["rating"], 64); err == nil {
		t.Rating = f
	}
	if n, err := strconv.Atoi(m["active_offers"]); err == nil {
		t.ActiveOffers = n
	}
	if ns, err := strconv.ParseInt(m["last_completed_at"], 10, 64); err == nil && ns > 0 {
		t.LastCompletedAt = time.Unix(0, ns)
	}
	return t
}

// Package maps persists elevation rasters in the broker, keyed by
// monotonically assigned integer IDs.
package maps

import (
	"context"
	"errors"
	"sort"
	"strconv"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/logging"
	"github.com/lapsproject/laps/internal/maps/raster"
)

// Meta describes a stored raster.
type Meta struct {
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	MinHeight  float64 `json:"min_height"`
	MaxHeight  float64 `json:"max_height"`
	Resolution float64 `json:"resolution"`
}

// Store owns map bytes and metadata. IDs are allocated through the
// broker's counter and never reused; deleting a map retires its ID.
type Store struct {
	broker    broker.Broker
	maxPixels int
}

// NewStore creates a map store. maxPixels caps uploaded raster size.
func NewStore(b broker.Broker, maxPixels int) *Store {
	return &Store{broker: b, maxPixels: maxPixels}
}

// Upload converts a GeoTIFF, allocates the next ID and persists the
// normalized PNG plus metadata.
func (s *Store) Upload(ctx context.Context, tiff []byte) (int64, error) {
	r, err := raster.Convert(tiff, s.maxPixels)
	if err != nil {
		return 0, err
	}

	id, err := s.broker.Incr(ctx, broker.MapNextIDKey())
	if err != nil {
		return 0, err
	}

	meta := map[string]string{
		"width":      strconv.Itoa(r.Width),
		"height":     strconv.Itoa(r.Height),
		"min_height": strconv.FormatFloat(r.MinHeight, 'g', -1, 64),
		"max_height": strconv.FormatFloat(r.MaxHeight, 'g', -1, 64),
		"resolution": strconv.FormatFloat(r.Resolution, 'g', -1, 64),
	}
	if err := s.broker.HSet(ctx, broker.MapMetaKey(id), meta); err != nil {
		return 0, err
	}
	if err := s.broker.Set(ctx, broker.MapDataKey(id), r.PNG, 0); err != nil {
		return 0, err
	}
	if err := s.broker.SAdd(ctx, broker.MapIDsKey(), strconv.FormatInt(id, 10)); err != nil {
		return 0, err
	}

	logging.Component("maps").WithField("id", id).
		WithField("size", len(r.PNG)).Info("stored map")
	return id, nil
}

// Get returns the PNG bytes for a map.
func (s *Store) Get(ctx context.Context, id int64) ([]byte, error) {
	data, err := s.broker.Get(ctx, broker.MapDataKey(id))
	if errors.Is(err, broker.ErrNotFound) {
		return nil, ecode.Newf(ecode.KindNotFound, "map %d", id)
	}
	return data, err
}

// Meta returns the metadata for a map.
func (s *Store) Meta(ctx context.Context, id int64) (*Meta, error) {
	fields, err := s.broker.HGetAll(ctx, broker.MapMetaKey(id))
	if errors.Is(err, broker.ErrNotFound) {
		return nil, ecode.Newf(ecode.KindNotFound, "map %d", id)
	}
	if err != nil {
		return nil, err
	}
	return metaFromFields(fields)
}

// Exists reports whether a map ID is live.
func (s *Store) Exists(ctx context.Context, id int64) (bool, error) {
	return s.broker.Exists(ctx, broker.MapMetaKey(id))
}

// Delete removes the map's data and metadata. The ID stays retired.
func (s *Store) Delete(ctx context.Context, id int64) error {
	exists, err := s.Exists(ctx, id)
	if err != nil {
		return err
	}
	if !exists {
		return ecode.Newf(ecode.KindNotFound, "map %d", id)
	}
	if err := s.broker.Del(ctx, broker.MapMetaKey(id), broker.MapDataKey(id)); err != nil {
		return err
	}
	return s.broker.SRem(ctx, broker.MapIDsKey(), strconv.FormatInt(id, 10))
}

// List returns all live map IDs in ascending order.
func (s *Store) List(ctx context.Context) ([]int64, error) {
	members, err := s.broker.SMembers(ctx, broker.MapIDsKey())
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(members))
	for _, m := range members {
		id, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func metaFromFields(fields map[string]string) (*Meta, error) {
	width, err := strconv.Atoi(fields["width"])
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "corrupt map meta", err)
	}
	height, err := strconv.Atoi(fields["height"])
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "corrupt map meta", err)
	}
	minH, err := strconv.ParseFloat(fields["min_height"], 64)
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "corrupt map meta", err)
	}
	maxH, err := strconv.ParseFloat(fields["max_height"], 64)
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "corrupt map meta", err)
	}
	res, err := strconv.ParseFloat(fields["resolution"], 64)
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInternal, "corrupt map meta", err)
	}
	return &Meta{Width: width, Height: height, MinHeight: minH, MaxHeight: maxH, Resolution: res}, nil
}

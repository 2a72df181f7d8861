package maps

import (
	"bytes"
	"context"
	"image"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/tiff"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
)

func testTIFF(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray16(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := uint16(y*width + x)
			i := (y*width + x) * 2
			img.Pix[i] = uint8(v >> 8)
			img.Pix[i+1] = uint8(v)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, tiff.Encode(&buf, img, nil))
	return buf.Bytes()
}

func TestUploadAssignsSequentialIDs(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	ctx := context.Background()

	id1, err := s.Upload(ctx, testTIFF(t, 4, 4))
	require.NoError(t, err)
	id2, err := s.Upload(ctx, testTIFF(t, 4, 4))
	require.NoError(t, err)

	assert.Equal(t, int64(1), id1)
	assert.Equal(t, int64(2), id2)
}

func TestUploadMetaRoundTrip(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	ctx := context.Background()

	id, err := s.Upload(ctx, testTIFF(t, 10, 10))
	require.NoError(t, err)

	meta, err := s.Meta(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 10, meta.Width)
	assert.Equal(t, 10, meta.Height)
	assert.Equal(t, 0.0, meta.MinHeight)
	assert.Equal(t, 99.0, meta.MaxHeight)
	assert.Equal(t, 1.0, meta.Resolution)

	data, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestUploadRejectsInvalidRaster(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	_, err := s.Upload(context.Background(), []byte("not a tiff"))
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestUploadRejectsOversized(t *testing.T) {
	s := NewStore(broker.NewFake(), 9)
	_, err := s.Upload(context.Background(), testTIFF(t, 4, 4))
	require.Error(t, err)
	assert.Equal(t, ecode.KindInvalidInput, ecode.KindOf(err))
}

func TestDeleteRetiresID(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	ctx := context.Background()

	id, err := s.Upload(ctx, testTIFF(t, 4, 4))
	require.NoError(t, err)

	require.NoError(t, s.Delete(ctx, id))

	_, err = s.Get(ctx, id)
	assert.Equal(t, ecode.KindNotFound, ecode.KindOf(err))
	_, err = s.Meta(ctx, id)
	assert.Equal(t, ecode.KindNotFound, ecode.KindOf(err))

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	// The counter moves on; a retired ID is never reassigned.
	next, err := s.Upload(ctx, testTIFF(t, 4, 4))
	require.NoError(t, err)
	assert.Equal(t, id+1, next)
}

func TestDeleteUnknownMap(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	err := s.Delete(context.Background(), 42)
	assert.Equal(t, ecode.KindNotFound, ecode.KindOf(err))
}

func TestListSorted(t *testing.T) {
	s := NewStore(broker.NewFake(), 0)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Upload(ctx, testTIFF(t, 2, 2))
		require.NoError(t, err)
	}

	ids, err := s.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, ids)
}

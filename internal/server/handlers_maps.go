package server

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/lapsproject/laps/internal/ecode"
)

// maxMapUpload bounds the raw GeoTIFF body; the pixel cap is enforced
// after decoding.
const maxMapUpload = 256 << 20

// uploadFile resolves the named multipart file, falling back to the raw
// request body for clients that skip the form envelope.
func uploadFile(c *gin.Context, field string) (io.ReadCloser, error) {
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		return c.Request.Body, nil
	}
	fh, err := c.FormFile(field)
	if err != nil {
		return nil, ecode.Newf(ecode.KindInvalidInput, "missing multipart file %q", field)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, ecode.Wrap(ecode.KindInvalidInput, "reading upload", err)
	}
	return f, nil
}

func (s *Server) uploadMap(c *gin.Context) {
	f, err := uploadFile(c, "data")
	if err != nil {
		respondError(c, err)
		return
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, maxMapUpload+1))
	if err != nil {
		respondError(c, ecode.Wrap(ecode.KindInvalidInput, "reading upload", err))
		return
	}
	if len(data) > maxMapUpload {
		respondError(c, ecode.Newf(ecode.KindInvalidInput, "upload exceeds %d bytes", int64(maxMapUpload)))
		return
	}
	id, err := s.maps.Upload(c.Request.Context(), data)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": id})
}

func (s *Server) listMaps(c *gin.Context) {
	ids, err := s.maps.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"maps": ids})
}

func mapID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		respondError(c, ecode.Newf(ecode.KindInvalidInput, "invalid map id %q", c.Param("id")))
		return 0, false
	}
	return id, true
}

func (s *Server) getMap(c *gin.Context) {
	id, ok := mapID(c)
	if !ok {
		return
	}
	data, err := s.maps.Get(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.Data(http.StatusOK, "image/png", data)
}

func (s *Server) getMapMeta(c *gin.Context) {
	id, ok := mapID(c)
	if !ok {
		return
	}
	meta, err := s.maps.Meta(c.Request.Context(), id)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, meta)
}

func (s *Server) deleteMap(c *gin.Context) {
	id, ok := mapID(c)
	if !ok {
		return
	}
	if err := s.maps.Delete(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

package server

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/lapsproject/laps/internal/ecode"
)

// respondError renders err as the canonical error body. The build log,
// when an image build failed, rides along so clients can show it.
func respondError(c *gin.Context, err error) {
	body := gin.H{
		"error": errorMessage(err),
		"kind":  ecode.KindOf(err).String(),
	}
	if log, ok := c.Get("build_log"); ok {
		body["build_log"] = log
	}
	c.AbortWithStatusJSON(ecode.HTTPStatus(err), body)
}

// errorMessage strips the kind prefix the taxonomy adds to Error().
func errorMessage(err error) string {
	var e *ecode.Error
	if errors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		if e.Err != nil {
			return e.Err.Error()
		}
	}
	return err.Error()
}

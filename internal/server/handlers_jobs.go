package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/lapsproject/laps/internal/broker"
	"github.com/lapsproject/laps/internal/ecode"
	"github.com/lapsproject/laps/internal/jobs"
)

func (s *Server) submitJob(c *gin.Context) {
	var req jobs.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, ecode.Wrap(ecode.KindInvalidInput, "invalid job request", err))
		return
	}
	token, err := s.jobs.Submit(c.Request.Context(), req)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"token": token})
}

// getJob answers a result lookup, long-polling when ?wait= asks for it.
// Waiting slots are rate limited through a shared broker counter so a
// stampede of pollers cannot pin every handler goroutine.
func (s *Server) getJob(c *gin.Context) {
	token := c.Param("token")

	wait := time.Duration(0)
	if raw := c.Query("wait"); raw != "" {
		secs, err := strconv.ParseFloat(raw, 64)
		if err != nil || secs < 0 {
			respondError(c, ecode.Newf(ecode.KindInvalidInput, "invalid wait %q", raw))
			return
		}
		wait = time.Duration(secs * float64(time.Second))
	}

	if wait > 0 {
		release, err := s.acquirePollSlot(c)
		if err != nil {
			respondError(c, err)
			return
		}
		if release == nil {
			respondError(c, ecode.New(ecode.KindTimeout, "too many clients waiting for results"))
			return
		}
		defer release()
	}

	res, status, err := s.jobs.Await(c.Request.Context(), token, wait)
	if err != nil {
		respondError(c, err)
		return
	}

	switch status {
	case jobs.StatusDone:
		c.JSON(http.StatusOK, res)
	case jobs.StatusPending:
		c.JSON(http.StatusAccepted, gin.H{"status": "pending"})
	case jobs.StatusExpired:
		respondError(c, ecode.Newf(ecode.KindExpired, "job %s expired", token))
	default:
		respondError(c, ecode.Newf(ecode.KindNotFound, "unknown job token %q", token))
	}
}

// acquirePollSlot claims one long-poll slot. A nil release func with a
// nil error means the limit is reached.
func (s *Server) acquirePollSlot(c *gin.Context) (func(), error) {
	if s.maxPollers <= 0 {
		return func() {}, nil
	}
	ctx := c.Request.Context()
	n, err := s.broker.Incr(ctx, broker.PollersKey())
	if err != nil {
		return nil, err
	}
	// A crashed process would leak its slots forever without a TTL.
	_ = s.broker.Expire(ctx, broker.PollersKey(), 2*s.maxWait)

	if n > s.maxPollers {
		_, _ = s.broker.Decr(ctx, broker.PollersKey())
		return nil, nil
	}
	return func() {
		// The request context may already be done; the slot must still
		// be returned.
		_, _ = s.broker.Decr(context.Background(), broker.PollersKey())
	}, nil
}

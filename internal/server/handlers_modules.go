package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/lapsproject/laps/internal/modules"
)

func moduleKey(c *gin.Context) (modules.Key, bool) {
	key, err := modules.NewKey(c.Param("name"), c.Param("version"))
	if err != nil {
		respondError(c, err)
		return modules.Key{}, false
	}
	return key, true
}

// uploadModule builds and starts a module from a multipart form with
// name, version and a tar archive under "module"; bare clients may
// instead pass query parameters with the archive as the body. The build
// log is returned either way so a failed build is debuggable.
func (s *Server) uploadModule(c *gin.Context) {
	name, version := c.Query("name"), c.Query("version")
	if v := c.PostForm("name"); v != "" {
		name = v
	}
	if v := c.PostForm("version"); v != "" {
		version = v
	}
	key, err := modules.NewKey(name, version)
	if err != nil {
		respondError(c, err)
		return
	}
	archive, err := uploadFile(c, "module")
	if err != nil {
		respondError(c, err)
		return
	}
	defer archive.Close()

	buildLog, err := s.modules.Upload(c.Request.Context(), key, archive)
	if err != nil {
		if buildLog != "" {
			c.Set("build_log", buildLog)
		}
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"name":      key.Name,
		"version":   key.Version,
		"build_log": buildLog,
	})
}

func (s *Server) listModules(c *gin.Context) {
	infos, err := s.modules.List(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, infos)
}

func (s *Server) getModule(c *gin.Context) {
	key, ok := moduleKey(c)
	if !ok {
		return
	}
	info, err := s.modules.Info(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) moduleLogs(c *gin.Context) {
	key, ok := moduleKey(c)
	if !ok {
		return
	}
	logs, err := s.modules.Logs(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.String(http.StatusOK, logs)
}

// lifecycle runs op and answers with the refreshed module status.
func (s *Server) lifecycle(c *gin.Context, op func(*gin.Context, modules.Key) error) {
	key, ok := moduleKey(c)
	if !ok {
		return
	}
	if err := op(c, key); err != nil {
		respondError(c, err)
		return
	}
	info, err := s.modules.Info(c.Request.Context(), key)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) startModule(c *gin.Context) {
	s.lifecycle(c, func(c *gin.Context, key modules.Key) error {
		return s.modules.Start(c.Request.Context(), key)
	})
}

func (s *Server) stopModule(c *gin.Context) {
	s.lifecycle(c, func(c *gin.Context, key modules.Key) error {
		return s.modules.Stop(c.Request.Context(), key)
	})
}

func (s *Server) restartModule(c *gin.Context) {
	s.lifecycle(c, func(c *gin.Context, key modules.Key) error {
		return s.modules.Restart(c.Request.Context(), key)
	})
}

func (s *Server) deleteModule(c *gin.Context) {
	key, ok := moduleKey(c)
	if !ok {
		return
	}
	if err := s.modules.Delete(c.Request.Context(), key); err != nil {
		respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

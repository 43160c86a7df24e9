package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/burrowdb/burrow/pkg/errdefs"
	"github.com/burrowdb/burrow/pkg/metrics"
	"github.com/burrowdb/burrow/pkg/router"
	"github.com/burrowdb/burrow/pkg/storage"
	"github.com/burrowdb/burrow/pkg/types"
)

// routeOrServe forwards the request per the balancing policy. It
// returns true when the request was handled remotely.
func (s *Server) routeOrServe(c *gin.Context, isWrite bool) bool {
	err := s.forwarder.Route(c.Writer, c.Request, isWrite)
	if err == nil {
		metrics.RoutedRequests.WithLabelValues("remote", "ok").Inc()
		c.Abort()
		return true
	}
	if errors.Is(err, router.ErrServeLocal) {
		return false
	}
	metrics.RoutedRequests.WithLabelValues("remote", "error").Inc()
	s.fail(c, err)
	return true
}

func (s *Server) guardCollection(c *gin.Context) (string, bool) {
	name := c.Param("collection")
	if types.IsInternalCollection(name) {
		s.fail(c, fmt.Errorf("collection %q is internal: %w", name, errdefs.ErrValidation))
		return "", false
	}
	return name, true
}

func (s *Server) handleDataInsert(c *gin.Context) {
	if s.routeOrServe(c, true) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	var doc storage.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if doc.ID() == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "_id is required"})
		return
	}

	if err := s.store.Insert(name, doc); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, doc)
}

func (s *Server) handleDataGet(c *gin.Context) {
	if s.routeOrServe(c, false) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	doc, err := s.store.Get(name, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

func (s *Server) handleDataList(c *gin.Context) {
	if s.routeOrServe(c, false) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	docs, err := s.store.List(name)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs, "count": len(docs)})
}

func (s *Server) handleDataUpdate(c *gin.Context) {
	if s.routeOrServe(c, true) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	var fields storage.Document
	if err := c.ShouldBindJSON(&fields); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Update(name, c.Param("id"), fields); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Server) handleDataReplace(c *gin.Context) {
	if s.routeOrServe(c, true) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	var doc storage.Document
	if err := c.ShouldBindJSON(&doc); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := s.store.Replace(name, c.Param("id"), doc); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"replaced": true})
}

func (s *Server) handleDataDelete(c *gin.Context) {
	if s.routeOrServe(c, true) {
		return
	}
	name, ok := s.guardCollection(c)
	if !ok {
		return
	}

	if err := s.store.Delete(name, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

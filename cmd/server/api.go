package main

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/ossrs/go-oryx-lib/logger"
	"github.com/pkg/errors"

	"opusdemux/internal/logging"
	"opusdemux/internal/state"
	"opusdemux/internal/stream"
	"opusdemux/internal/types"
	"opusdemux/pkg/protocol"
)

// errorStatus maps registry errors to an HTTP status and protocol error.
func errorStatus(err error) (int, protocol.Message) {
	switch {
	case errors.Is(err, state.ErrStreamNotFound):
		return http.StatusNotFound, protocol.NewError(protocol.CodeStreamNotFound, err.Error())
	case errors.Is(err, state.ErrStreamExists):
		return http.StatusConflict, protocol.NewError(protocol.CodeBadMessage, err.Error())
	case errors.Is(err, state.ErrListenerLimit):
		return http.StatusTooManyRequests, protocol.NewError(protocol.CodeListenerLimit, err.Error())
	case errors.Is(err, state.ErrManagerClosed):
		return http.StatusServiceUnavailable, protocol.NewError(protocol.CodeShuttingDown, err.Error())
	}
	return http.StatusInternalServerError, protocol.NewError(protocol.CodeInternal, err.Error())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "opusdemux",
	})
}

func (s *Server) handleStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.stateManager.GetStats())
}

func (s *Server) handleListStreams(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"streams": s.stateManager.GetAllStreams()})
}

func (s *Server) handleGetStream(c *gin.Context) {
	st, ok := s.stateManager.GetStream(c.Param("id"))
	if !ok {
		status, msg := errorStatus(state.ErrStreamNotFound)
		c.JSON(status, msg)
		return
	}
	c.JSON(http.StatusOK, st)
}

// ingestResponse is returned once an HTTP upload has been fully demuxed.
type ingestResponse struct {
	Stream types.Stream  `json:"stream"`
	Result stream.Result `json:"result"`
}

// handleIngest demuxes an Ogg/Opus request body. Listeners can join while
// the upload runs when the caller picks the id with ?id=.
func (s *Server) handleIngest(c *gin.Context) {
	ctx := c.Request.Context()
	ss, err := s.newSession(ctx, c.Query("id"), types.SourceHTTP)
	if err != nil {
		status, msg := errorStatus(err)
		c.JSON(status, msg)
		return
	}
	defer ss.close()

	res, err := stream.Pump(ss.ctx, c.Request.Body, ss, s.cfg.ChunkSize)
	if err != nil {
		logger.Wf(ctx, "%vingest: %v", logging.Prefix(ctx, ss.id), err)
		c.JSON(http.StatusBadRequest, protocol.NewError(protocol.CodeBadMessage, err.Error()))
		return
	}

	st, _ := s.stateManager.GetStream(ss.id)
	c.JSON(http.StatusOK, ingestResponse{Stream: st, Result: res})
}

package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/apex-build/sheetext-host/internal/extensions"
)

// errorStatus maps a CodedError to the HTTP status its code implies,
// following the {message, name, code} wire shape spec §4.4/§6 describes
// for errors crossing the host/worker boundary, reused here for the
// host/front-end boundary too.
func errorStatus(err error) int {
	ce, ok := err.(extensions.CodedError)
	if !ok {
		return http.StatusInternalServerError
	}
	switch ce.Code() {
	case "PERMISSION_ERROR":
		return http.StatusForbidden
	case "SHAPE_ERROR", "MANIFEST_ERROR", "RANGE_TOO_LARGE":
		return http.StatusBadRequest
	case extensions.CodeExtensionTimeout:
		return http.StatusGatewayTimeout
	case extensions.CodeExtensionWorkerTerminated, extensions.CodeExtensionMemoryLimit:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(c *gin.Context, err error) {
	body := gin.H{"error": err.Error()}
	if ce, ok := err.(extensions.CodedError); ok {
		body["name"] = ce.Name()
		body["code"] = ce.Code()
	}
	c.JSON(errorStatus(err), body)
}

type loadExtensionRequest struct {
	RootDir string `json:"rootDir"`
}

func (s *Server) handleLoadExtension(c *gin.Context) {
	var req loadExtensionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.RootDir == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "rootDir is required"})
		return
	}
	m, err := s.host.LoadExtension(req.RootDir)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleGetManifest(c *gin.Context) {
	id := extensions.ExtensionID(c.Param("id"))
	m, ok := s.host.Manifest(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "extension not loaded"})
		return
	}
	c.JSON(http.StatusOK, m)
}

func (s *Server) handleUnloadExtension(c *gin.Context) {
	id := extensions.ExtensionID(c.Param("id"))
	if err := s.host.UnloadExtension(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleReloadExtension(c *gin.Context) {
	id := extensions.ExtensionID(c.Param("id"))
	if err := s.host.ReloadExtension(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleResetExtension(c *gin.Context) {
	id := extensions.ExtensionID(c.Param("id"))
	if err := s.host.ResetExtensionState(id); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleStartup(c *gin.Context) {
	s.host.Startup(c.Request.Context())
	c.Status(http.StatusNoContent)
}

func (s *Server) handleActivateView(c *gin.Context) {
	s.host.ActivateView(c.Request.Context(), c.Param("id"))
	c.Status(http.StatusNoContent)
}

type invokeRequest struct {
	Args []interface{} `json:"args"`
}

func bindInvokeArgs(c *gin.Context) ([]interface{}, bool) {
	var req invokeRequest
	if c.Request.ContentLength == 0 {
		return nil, true
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return nil, false
	}
	return req.Args, true
}

func writeRawResult(c *gin.Context, result json.RawMessage) {
	c.Data(http.StatusOK, "application/json", result)
}

func (s *Server) handleExecuteCommand(c *gin.Context) {
	args, ok := bindInvokeArgs(c)
	if !ok {
		return
	}
	result, err := s.host.ExecuteCommand(c.Request.Context(), c.Param("command"), args)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRawResult(c, result)
}

func (s *Server) handleInvokeCustomFunction(c *gin.Context) {
	args, ok := bindInvokeArgs(c)
	if !ok {
		return
	}
	result, err := s.host.InvokeCustomFunction(c.Request.Context(), c.Param("name"), args)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRawResult(c, result)
}

func (s *Server) handleInvokeDataConnector(c *gin.Context) {
	args, ok := bindInvokeArgs(c)
	if !ok {
		return
	}
	result, err := s.host.InvokeDataConnector(c.Request.Context(), c.Param("id"), args)
	if err != nil {
		writeError(c, err)
		return
	}
	writeRawResult(c, result)
}

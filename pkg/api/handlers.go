package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/chiral-network/transfer-core/pkg/chunks"
	"github.com/chiral-network/transfer-core/pkg/engine"
	"github.com/chiral-network/transfer-core/pkg/payment"
	"github.com/chiral-network/transfer-core/pkg/protocol"
	"github.com/chiral-network/transfer-core/pkg/transfer"
)

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleHealthNetwork exposes the DhtHealthMonitor aggregate (SPEC_FULL.md
// §C.1: "queryable from the control surface GET /v1/health/network").
func (s *Server) handleHealthNetwork(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusServiceUnavailable, errorResponse{Error: "network health monitor not configured"})
		return
	}
	c.JSON(http.StatusOK, s.health.Report())
}

// handleStartTransfer implements spec §6.6 start_transfer.
func (s *Server) handleStartTransfer(c *gin.Context) {
	var req startTransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	contentID, err := parseContentID(req.ContentID)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	priority := transfer.PriorityNormal
	if req.Priority != "" {
		priority = transfer.Priority(req.Priority)
	}

	transferID, err := s.engine.StartTransfer(c.Request.Context(), engine.StartRequest{
		ContentID:     contentID,
		FileHash:      req.FileHash,
		FileName:      req.FileName,
		OutputPath:    req.OutputPath,
		Priority:      priority,
		RarestFirst:   req.RarestFirst,
		PricePerMB:    req.PricePerMB,
		PaymentMode:   payment.Mode(req.PaymentMode),
		SeederAddress: req.SeederAddress,
	})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, startTransferResponse{TransferID: transferID})
}

// handleListTransfers implements spec §6.6 list_transfers.
func (s *Server) handleListTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, s.engine.ListTransfers())
}

// handleGetTransfer implements spec §6.6 get_transfer.
func (s *Server) handleGetTransfer(c *gin.Context) {
	t, ok := s.engine.GetTransfer(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, errorResponse{Error: "unknown transfer"})
		return
	}
	c.JSON(http.StatusOK, t.Summary())
}

// handleCancelTransfer implements spec §6.6 cancel_transfer.
func (s *Server) handleCancelTransfer(c *gin.Context) {
	if err := s.engine.CancelTransfer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handlePauseTransfer implements spec §6.6 pause_transfer.
func (s *Server) handlePauseTransfer(c *gin.Context) {
	if err := s.engine.PauseTransfer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleResumeTransfer implements spec §6.6 resume_transfer.
func (s *Server) handleResumeTransfer(c *gin.Context) {
	if err := s.engine.ResumeTransfer(c.Param("id")); err != nil {
		c.JSON(http.StatusNotFound, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleRecordPayment implements spec §4.3 record_payment: the wallet/chain
// layer lives outside this core, so the control surface only takes the
// already-settled transaction hash and amount and hands them to the
// checkpoint session.
func (s *Server) handleRecordPayment(c *gin.Context) {
	var req recordPaymentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if err := s.engine.RecordPayment(c.Param("id"), req.TxHash, req.Amount); err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	c.Status(http.StatusNoContent)
}

// handleListHandlers surfaces the registered protocol handlers and their
// capabilities. register_handler itself (spec §6.6) takes a live
// protocol.Handler value and so is an in-process API
// (engine.Engine.RegisterHandler), not an HTTP operation: there is no way
// to submit executable handler code over REST.
func (s *Server) handleListHandlers(c *gin.Context) {
	type handlerInfo struct {
		Name         string                 `json:"name"`
		Capabilities protocol.Capabilities  `json:"capabilities"`
	}
	out := []handlerInfo{}
	for _, h := range s.engine.Manager().Handlers() {
		out = append(out, handlerInfo{Name: h.Name(), Capabilities: h.Capabilities()})
	}
	c.JSON(http.StatusOK, out)
}

// handleSeedFile implements spec §6.6 seed_file.
func (s *Server) handleSeedFile(c *gin.Context) {
	var req seedFileRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	infos, err := s.engine.SeedFile(c.Request.Context(), req.Path, protocol.SeedOptions{})
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, errorResponse{Error: err.Error()})
		return
	}
	c.JSON(http.StatusOK, infos)
}

// parseContentID accepts the "kind:value" wire form produced by
// ContentId.String() for the hash and ed2k kinds, or a bare http(s)/ftp/
// magnet URL for the others.
func parseContentID(raw string) (chunks.ContentId, error) {
	return chunks.Parse(raw)
}

package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/burrowdb/burrow/pkg/metrics"
	"github.com/burrowdb/burrow/pkg/migration"
	"github.com/burrowdb/burrow/pkg/types"
)

func (s *Server) handleExport(c *gin.Context) {
	var req migration.ExportRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	req.IPAddress = c.ClientIP()
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	rec, err := s.migration.Export(c.Request.Context(), req)
	if err != nil {
		var rle *migration.RateLimitError
		if errors.As(err, &rle) {
			s.failRateLimited(c, rle.RetryAfterSeconds, err)
			return
		}
		s.fail(c, err)
		return
	}

	metrics.Migrations.WithLabelValues(string(rec.Type), string(rec.Status)).Inc()
	metrics.MigrationBytes.Observe(float64(rec.PackageSizeBytes))
	c.JSON(http.StatusCreated, rec)
}

func (s *Server) handleDownload(c *gin.Context) {
	data, rec, err := s.migration.PackageData(c.Request.Context(), c.Param("id"), c.Query("user_id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%s.burrow", rec.ID))
	c.Header("X-Package-Checksum", rec.PackageChecksum)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// uploadContentTypes is the allow-list for raw package uploads
var uploadContentTypes = map[string]bool{
	"application/gzip":         true,
	"application/x-gzip":       true,
	"application/octet-stream": true,
}

// handleUpload stores a raw package file so a later import can
// reference it by id
func (s *Server) handleUpload(c *gin.Context) {
	userID := c.Query("user_id")
	if userID == "" {
		userID = "anonymous"
	}

	if ct := c.ContentType(); !uploadContentTypes[ct] {
		msg := fmt.Sprintf("unsupported content type %q", ct)
		s.migration.Auditor().Record(migration.AuditEntry{
			EventType: migration.AuditValidationFailed,
			UserID:    userID, IPAddress: c.ClientIP(),
			Action: "upload", Result: "rejected", ErrorMessage: msg,
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": msg})
		return
	}

	data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.Migration.MaxCompressedBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.migration.SaveUpload(c.Request.Context(), userID, data)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"migration_package_id": rec.ID,
		"size_bytes":           rec.PackageSizeBytes,
		"checksum":             rec.PackageChecksum,
	})
}

func (s *Server) handleImport(c *gin.Context) {
	s.runImport(c, false)
}

func (s *Server) handleImportValidate(c *gin.Context) {
	s.runImport(c, true)
}

func (s *Server) runImport(c *gin.Context, validateOnly bool) {
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, s.cfg.Migration.MaxCompressedBytes+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req := migration.ImportRequest{
		UserID:           c.Query("user_id"),
		TenantID:         c.Query("tenant_id"),
		Data:             data,
		PackageID:        c.Query("package_id"),
		ConflictPolicy:   types.ConflictPolicy(c.Query("conflict_policy")),
		EncryptionSecret: c.GetHeader("X-Encryption-Secret"),
		ValidateOnly:     validateOnly,
		IPAddress:        c.ClientIP(),
	}
	if req.UserID == "" {
		req.UserID = "anonymous"
	}

	rec, err := s.migration.Import(c.Request.Context(), req)
	if err != nil {
		var rle *migration.RateLimitError
		if errors.As(err, &rle) {
			s.failRateLimited(c, rle.RetryAfterSeconds, err)
			return
		}
		s.fail(c, err)
		return
	}

	status := http.StatusCreated
	if validateOnly {
		status = http.StatusOK
	} else {
		metrics.Migrations.WithLabelValues(string(rec.Type), string(rec.Status)).Inc()
	}
	c.JSON(status, rec)
}

type rollbackRequest struct {
	UserID  string `json:"user_id"`
	Confirm bool   `json:"confirm"`
}

func (s *Server) handleRollback(c *gin.Context) {
	var req rollbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	rec, err := s.migration.Rollback(c.Request.Context(), c.Param("id"), req.UserID, req.Confirm)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleHistory(c *gin.Context) {
	records, err := s.migration.ListRecords(c.Request.Context(), c.Query("tenant_id"))
	if err != nil {
		s.fail(c, err)
		return
	}

	total := len(records)
	if offset, err := strconv.Atoi(c.Query("offset")); err == nil && offset > 0 {
		if offset > total {
			offset = total
		}
		records = records[offset:]
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	c.JSON(http.StatusOK, gin.H{"migrations": records, "count": len(records), "total": total})
}

func (s *Server) handleMigrationStatus(c *gin.Context) {
	rec, err := s.migration.GetRecord(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) handleDeleteMigration(c *gin.Context) {
	if err := s.migration.DeleteRecord(c.Request.Context(), c.Param("id"), c.Query("user_id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (s *Server) handleMigrationHealth(c *gin.Context) {
	collections, err := s.migration.ExportableCollections(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":      "ok",
		"collections": len(collections),
	})
}

func (s *Server) handleExportableCollections(c *gin.Context) {
	collections, err := s.migration.ExportableCollections(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"collections": collections, "count": len(collections)})
}

func (s *Server) handleCollectionDocuments(c *gin.Context) {
	docs, err := s.migration.CollectionDocuments(c.Param("name"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"documents": docs})
}

type collectionUploadRequest struct {
	Documents      []map[string]interface{} `json:"documents" binding:"required"`
	ConflictPolicy types.ConflictPolicy     `json:"conflict_policy"`
}

func (s *Server) handleCollectionUpload(c *gin.Context) {
	var req collectionUploadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	applied, err := s.migration.ImportDocuments(c.Param("name"), req.Documents, req.ConflictPolicy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"applied": applied})
}

func (s *Server) handleListInstances(c *gin.Context) {
	instances, err := s.migration.ListInstances(c.Request.Context(), c.Query("owner_id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"instances": instances, "count": len(instances)})
}

func (s *Server) handleRegisterInstance(c *gin.Context) {
	var req migration.InstanceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	inst, err := s.migration.RegisterInstance(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, inst)
}

func (s *Server) handleRemoveInstance(c *gin.Context) {
	if err := s.migration.RemoveInstance(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleCreateTransfer(c *gin.Context) {
	var req migration.TransferRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	t, err := s.migration.CreateTransfer(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	// The copy runs in the background; progress is polled via GET
	go func() {
		if err := s.migration.RunTransfer(context.Background(), t.ID); err != nil {
			s.logger.Error().Err(err).Str("transfer_id", t.ID).Msg("transfer run failed")
		}
	}()

	c.JSON(http.StatusAccepted, t)
}

func (s *Server) handleListTransfers(c *gin.Context) {
	transfers, err := s.migration.ListTransfers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"transfers": transfers, "count": len(transfers)})
}

func (s *Server) handleGetTransfer(c *gin.Context) {
	t, err := s.migration.GetTransfer(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (s *Server) handlePauseTransfer(c *gin.Context) {
	if err := s.migration.PauseTransfer(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResumeTransfer(c *gin.Context) {
	id := c.Param("id")
	go func() {
		if err := s.migration.ResumeTransfer(context.Background(), id); err != nil {
			s.logger.Error().Err(err).Str("transfer_id", id).Msg("transfer resume failed")
		}
	}()
	c.JSON(http.StatusAccepted, gin.H{"resuming": true})
}

func (s *Server) handleCancelTransfer(c *gin.Context) {
	if err := s.migration.CancelTransfer(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true})
}

type scheduleRequest struct {
	TransferID string `json:"transfer_id" binding:"required"`
	CronSpec   string `json:"cron_spec" binding:"required"`
	CreatedBy  string `json:"created_by"`
}

func (s *Server) handleAddSchedule(c *gin.Context) {
	var req scheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	sched, err := s.scheduler.Add(c.Request.Context(), req.TransferID, req.CronSpec, req.CreatedBy)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, sched)
}

func (s *Server) handleListSchedules(c *gin.Context) {
	schedules, err := s.scheduler.List(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"schedules": schedules, "count": len(schedules)})
}

func (s *Server) handleRemoveSchedule(c *gin.Context) {
	if err := s.scheduler.Remove(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": true})
}

func (s *Server) handleEnableSchedule(c *gin.Context) {
	if err := s.scheduler.SetEnabled(c.Request.Context(), c.Param("id"), true); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true})
}

func (s *Server) handleDisableSchedule(c *gin.Context) {
	if err := s.scheduler.SetEnabled(c.Request.Context(), c.Param("id"), false); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": false})
}

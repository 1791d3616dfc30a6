package web

// Справочник операторов: CRUD, CSV-импорт и экспорт. После любой правки
// кэш словаря в резолвере сбрасывается, чтобы маппинг применился сразу.
// Неактивные строки — предложения модели, ожидающие подтверждения.

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"strings"

	"receiptbot/internal/domain/txstore"
	"receiptbot/internal/infra/logger"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var referenceCSVHeader = []string{"operator_name", "application_name", "is_p2p", "is_active"}

type referenceView struct {
	ID          int64  `json:"id"`
	Operator    string `json:"operator_name"`
	Application string `json:"application_name"`
	IsP2P       bool   `json:"is_p2p"`
	IsActive    bool   `json:"is_active"`
}

func referenceToView(ref *txstore.OperatorRef) referenceView {
	return referenceView{
		ID:          ref.ID,
		Operator:    ref.Operator,
		Application: ref.Application,
		IsP2P:       ref.IsP2P,
		IsActive:    ref.IsActive,
	}
}

func (s *Server) refreshReferenceCache(c *gin.Context) {
	if err := s.deps.Reference.RefreshCache(c.Request.Context()); err != nil {
		logger.Warn("reference cache refresh failed", zap.Error(err))
	}
}

func (s *Server) handleListReference(c *gin.Context) {
	refs, err := s.deps.Store.ListOperators(c.Request.Context(), c.Query("active") == "true")
	if err != nil {
		respondError(c, err)
		return
	}
	views := make([]referenceView, 0, len(refs))
	for _, ref := range refs {
		views = append(views, referenceToView(ref))
	}
	c.JSON(http.StatusOK, gin.H{"operators": views})
}

type referenceBody struct {
	Operator    string `json:"operator_name" binding:"required"`
	Application string `json:"application_name" binding:"required"`
	IsP2P       bool   `json:"is_p2p"`
	IsActive    *bool  `json:"is_active"`
}

func (s *Server) handleCreateReference(c *gin.Context) {
	var req referenceBody
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "operator_name and application_name are required")
		return
	}
	ref := &txstore.OperatorRef{
		Operator:    req.Operator,
		Application: req.Application,
		IsP2P:       req.IsP2P,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err := s.deps.Store.CreateOperator(c.Request.Context(), ref); err != nil {
		respondError(c, err)
		return
	}
	s.refreshReferenceCache(c)
	c.JSON(http.StatusCreated, referenceToView(ref))
}

func (s *Server) handleUpdateReference(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, "id must be an integer")
		return
	}
	var req referenceBody
	if err = c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "operator_name and application_name are required")
		return
	}
	ref := &txstore.OperatorRef{
		ID:          id,
		Operator:    req.Operator,
		Application: req.Application,
		IsP2P:       req.IsP2P,
		IsActive:    req.IsActive == nil || *req.IsActive,
	}
	if err = s.deps.Store.UpdateOperator(c.Request.Context(), ref); err != nil {
		respondError(c, err)
		return
	}
	s.refreshReferenceCache(c)
	c.JSON(http.StatusOK, referenceToView(ref))
}

func (s *Server) handleDeleteReference(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		respondBadRequest(c, "id must be an integer")
		return
	}
	if err = s.deps.Store.DeleteOperator(c.Request.Context(), id); err != nil {
		respondError(c, err)
		return
	}
	s.refreshReferenceCache(c)
	c.Status(http.StatusNoContent)
}

func (s *Server) handleExportReference(c *gin.Context) {
	refs, err := s.deps.Store.ListOperators(c.Request.Context(), false)
	if err != nil {
		respondError(c, err)
		return
	}

	c.Header("Content-Type", "text/csv; charset=utf-8")
	c.Header("Content-Disposition", `attachment; filename="operator_reference.csv"`)
	writer := csv.NewWriter(c.Writer)
	_ = writer.Write(referenceCSVHeader)
	for _, ref := range refs {
		_ = writer.Write([]string{
			ref.Operator,
			ref.Application,
			strconv.FormatBool(ref.IsP2P),
			strconv.FormatBool(ref.IsActive),
		})
	}
	writer.Flush()
}

// handleImportReference принимает CSV с колонками referenceCSVHeader.
// Существующие операторы обновляются, новые создаются; строки с ошибками
// пропускаются и попадают в счётчик skipped.
func (s *Server) handleImportReference(c *gin.Context) {
	file, _, err := c.Request.FormFile("file")
	if err != nil {
		respondBadRequest(c, "multipart field 'file' with CSV content is required")
		return
	}
	defer func() { _ = file.Close() }()

	reader := csv.NewReader(file)
	reader.FieldsPerRecord = len(referenceCSVHeader)

	var created, updated, skipped int
	first := true
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			skipped++
			continue
		}
		if first {
			first = false
			if strings.EqualFold(record[0], referenceCSVHeader[0]) {
				continue
			}
		}

		operator := strings.TrimSpace(record[0])
		application := strings.TrimSpace(record[1])
		if operator == "" || application == "" {
			skipped++
			continue
		}
		isP2P, _ := strconv.ParseBool(strings.TrimSpace(record[2]))
		isActive, activeErr := strconv.ParseBool(strings.TrimSpace(record[3]))
		if activeErr != nil {
			isActive = true
		}

		ref := &txstore.OperatorRef{
			Operator:    operator,
			Application: application,
			IsP2P:       isP2P,
			IsActive:    isActive,
		}
		existing, findErr := s.deps.Store.FindOperatorByName(c.Request.Context(), operator)
		if findErr == nil {
			ref.ID = existing.ID
			if updErr := s.deps.Store.UpdateOperator(c.Request.Context(), ref); updErr != nil {
				skipped++
				continue
			}
			updated++
			continue
		}
		if createErr := s.deps.Store.CreateOperator(c.Request.Context(), ref); createErr != nil {
			skipped++
			continue
		}
		created++
	}

	s.refreshReferenceCache(c)
	c.JSON(http.StatusOK, gin.H{"created": created, "updated": updated, "skipped": skipped})
}

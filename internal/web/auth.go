package web

// Эндпоинты авторизации чат-сессии: администратор проводит машину состояний
// телефон → код → пароль по HTTP. Ответ каждого шага — свежий снимок
// состояния, чтобы клиенту не требовался отдельный запрос статуса.

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (s *Server) handleAuthState(c *gin.Context) {
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

func (s *Server) handleAuthPhone(c *gin.Context) {
	var req struct {
		Phone string `json:"phone" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "phone is required")
		return
	}
	if err := s.deps.Session.SetPhoneNumber(c.Request.Context(), req.Phone); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

func (s *Server) handleAuthCode(c *gin.Context) {
	var req struct {
		Code string `json:"code" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "code is required")
		return
	}
	if err := s.deps.Session.CheckCode(c.Request.Context(), req.Code); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

func (s *Server) handleAuthPassword(c *gin.Context) {
	var req struct {
		Password string `json:"password" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondBadRequest(c, "password is required")
		return
	}
	if err := s.deps.Session.CheckPassword(c.Request.Context(), req.Password); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

func (s *Server) handleAuthResend(c *gin.Context) {
	if err := s.deps.Session.ResendCode(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

func (s *Server) handleAuthLogout(c *gin.Context) {
	if err := s.deps.Session.Logout(c.Request.Context()); err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, s.deps.Session.GetAuthState())
}

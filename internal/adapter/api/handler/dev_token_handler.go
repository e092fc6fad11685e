package handler

import (
	"context"

	"github.com/labstack/echo/v4"

	"marketchat/internal/domain/entity"
	"marketchat/pkg/errors"
	"marketchat/pkg/logger"
	"marketchat/pkg/response"
)

type TokenIssuer interface {
	GenerateToken(ctx context.Context, userID string) (string, error)
}

// ProfileWriter seeds profiles for stores that support it, such as the
// in-memory store.
type ProfileWriter interface {
	PutProfile(profile *entity.Profile)
}

type DevTokenHandler struct {
	issuer   TokenIssuer
	profiles ProfileWriter
}

func NewDevTokenHandler(issuer TokenIssuer, profiles ProfileWriter) *DevTokenHandler {
	return &DevTokenHandler{
		issuer:   issuer,
		profiles: profiles,
	}
}

type devTokenRequest struct {
	UserID      string `json:"user_id" validate:"required,max=128"`
	DisplayName string `json:"display_name" validate:"max=100"`
	CompanyName string `json:"company_name" validate:"max=100"`
	Role        string `json:"role" validate:"omitempty,oneof=buyer seller"`
}

// GenerateToken issues a token for any user id. Only routed in development.
func (h *DevTokenHandler) GenerateToken(c echo.Context) error {
	var req devTokenRequest
	if err := c.Bind(&req); err != nil {
		return response.Error(c, errors.BadRequest("Invalid request body", err))
	}
	if err := c.Validate(&req); err != nil {
		return response.Error(c, err)
	}

	token, err := h.issuer.GenerateToken(c.Request().Context(), req.UserID)
	if err != nil {
		return response.Error(c, errors.Internal("Failed to generate token", err))
	}

	profile := &entity.Profile{
		ID:          req.UserID,
		DisplayName: req.DisplayName,
		CompanyName: req.CompanyName,
		Role:        req.Role,
	}
	if profile.DisplayName == "" {
		profile.DisplayName = req.UserID
	}
	if h.profiles != nil {
		h.profiles.PutProfile(profile)
	}

	logger.Debug("Issued development token for %s", req.UserID)
	return response.Success(c, map[string]interface{}{
		"token":   token,
		"profile": profile,
	})
}

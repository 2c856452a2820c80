package handlers

import (
	"database/sql"
	"errors"
	"net/http"

	"marketplace-svc/apperr"
	"marketplace-svc/auth"
	"marketplace-svc/database"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type AuthHandler struct {
	db     *sql.DB
	tokens *auth.TokenManager
	logger *zap.Logger
}

func NewAuthHandler(db *sql.DB, tokens *auth.TokenManager, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		db:     db,
		tokens: tokens,
		logger: logger,
	}
}

// Register creates the user and its buyer or producer profile in one
// transaction and signs the caller in.
func (h *AuthHandler) Register(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	hashed, err := auth.HashPassword(req.Password)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	ctx := c.Request.Context()
	user := models.User{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Role:      req.Role,
	}

	err = database.WithTx(ctx, h.db, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM users WHERE email = $1)", req.Email,
		).Scan(&exists); err != nil {
			return err
		}
		if exists {
			return apperr.Conflict("User already exists")
		}

		if err := tx.QueryRowContext(ctx,
			"INSERT INTO users (first_name, last_name, email, password_hash, role) VALUES ($1, $2, $3, $4, $5) RETURNING id, created_at",
			req.FirstName, req.LastName, req.Email, hashed, req.Role,
		).Scan(&user.ID, &user.CreatedAt); err != nil {
			return err
		}

		var profileID int64
		switch req.Role {
		case models.RoleProducer:
			if err := tx.QueryRowContext(ctx,
				"INSERT INTO producers (user_id) VALUES ($1) RETURNING id", user.ID,
			).Scan(&profileID); err != nil {
				return err
			}
			user.ProducerID = &profileID
		default:
			if err := tx.QueryRowContext(ctx,
				"INSERT INTO buyers (user_id) VALUES ($1) RETURNING id", user.ID,
			).Scan(&profileID); err != nil {
				return err
			}
			user.BuyerID = &profileID
		}
		return nil
	})
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	traceID := middleware.GetTraceID(ctx)
	h.logger.Info("User registered", zap.String("trace_id", traceID), zap.String("email", req.Email), zap.String("role", req.Role))
	c.JSON(http.StatusCreated, models.LoginResponse{Token: token, User: user})
}

func (h *AuthHandler) Login(c *gin.Context) {
	var req models.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	var user models.User
	var buyerID, producerID sql.NullInt64
	err := h.db.QueryRowContext(ctx, `
		SELECT u.id, u.first_name, u.last_name, u.email, u.password_hash, u.role, u.created_at, b.id, p.id
		FROM users u
		LEFT JOIN buyers b ON b.user_id = u.id
		LEFT JOIN producers p ON p.user_id = u.id
		WHERE u.email = $1`,
		req.Email,
	).Scan(&user.ID, &user.FirstName, &user.LastName, &user.Email, &user.PasswordHash, &user.Role, &user.CreatedAt, &buyerID, &producerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	if !auth.CheckPassword(user.PasswordHash, req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid email or password"})
		return
	}
	if buyerID.Valid {
		user.BuyerID = &buyerID.Int64
	}
	if producerID.Valid {
		user.ProducerID = &producerID.Int64
	}

	token, err := h.tokens.Issue(user)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	traceID := middleware.GetTraceID(ctx)
	h.logger.Info("User logged in", zap.String("trace_id", traceID), zap.String("email", req.Email))
	c.JSON(http.StatusOK, models.LoginResponse{Token: token, User: user})
}

package handlers

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"marketplace-svc/auth"
	"marketplace-svc/database/dbtest"
	"marketplace-svc/models"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
)

var loginCols = []string{"id", "first_name", "last_name", "email", "password_hash", "role", "created_at", "buyer_id", "producer_id"}

func setupAuthTest(t *testing.T) (sqlmock.Sqlmock, *auth.TokenManager, *gin.Engine) {
	db, mock := dbtest.New(t)
	tokens := auth.NewTokenManager("test-secret", time.Hour)
	handler := NewAuthHandler(db, tokens, testLogger(t))

	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.POST("/auth/register", handler.Register)
	router.POST("/auth/login", handler.Login)

	return mock, tokens, router
}

func decodeLogin(t *testing.T, raw []byte) models.LoginResponse {
	t.Helper()
	var resp models.LoginResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		t.Fatalf("Failed to decode login response: %v", err)
	}
	return resp
}

func TestAuthHandler_Register_Buyer(t *testing.T) {
	mock, tokens, router := setupAuthTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS \\(SELECT 1 FROM users WHERE email = \\$1\\)").
		WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("Ann", "Lee", "ann@example.com", sqlmock.AnyArg(), "buyer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(1, time.Now()))
	mock.ExpectQuery("INSERT INTO buyers").
		WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
	mock.ExpectCommit()

	w := doRequest(router, "POST", "/auth/register", models.RegisterRequest{
		FirstName: "Ann",
		LastName:  "Lee",
		Email:     "ann@example.com",
		Password:  "password123",
		Role:      "buyer",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}

	resp := decodeLogin(t, w.Body.Bytes())
	claims, err := tokens.Parse(resp.Token)
	if err != nil {
		t.Fatalf("Expected a valid token, got %v", err)
	}
	if claims.BuyerID == nil || *claims.BuyerID != 7 || claims.ProducerID != nil {
		t.Errorf("Expected buyer 7 in claims, got %+v", claims)
	}
	dbtest.ExpectationsMet(t, mock)
}

func TestAuthHandler_Register_Producer(t *testing.T) {
	mock, tokens, router := setupAuthTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("pat@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO users").
		WithArgs("Pat", "Grower", "pat@example.com", sqlmock.AnyArg(), "producer").
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(2, time.Now()))
	mock.ExpectQuery("INSERT INTO producers").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectCommit()

	w := doRequest(router, "POST", "/auth/register", models.RegisterRequest{
		FirstName: "Pat",
		LastName:  "Grower",
		Email:     "pat@example.com",
		Password:  "password123",
		Role:      "producer",
	})

	if w.Code != http.StatusCreated {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusCreated, w.Code, w.Body.String())
	}
	claims, err := tokens.Parse(decodeLogin(t, w.Body.Bytes()).Token)
	if err != nil {
		t.Fatalf("Expected a valid token, got %v", err)
	}
	if claims.ProducerID == nil || *claims.ProducerID != 4 || claims.Role != models.RoleProducer {
		t.Errorf("Expected producer 4 in claims, got %+v", claims)
	}
	dbtest.ExpectationsMet(t, mock)
}

func TestAuthHandler_Register_UserExists(t *testing.T) {
	mock, _, router := setupAuthTest(t)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	w := doRequest(router, "POST", "/auth/register", models.RegisterRequest{
		FirstName: "Ann",
		LastName:  "Lee",
		Email:     "ann@example.com",
		Password:  "password123",
		Role:      "buyer",
	})

	if w.Code != http.StatusConflict {
		t.Errorf("Expected status %d, got %d", http.StatusConflict, w.Code)
	}
	dbtest.ExpectationsMet(t, mock)
}

func TestAuthHandler_Register_AdminRoleRejected(t *testing.T) {
	mock, _, router := setupAuthTest(t)

	w := doRequest(router, "POST", "/auth/register", models.RegisterRequest{
		FirstName: "Eve",
		LastName:  "Root",
		Email:     "eve@example.com",
		Password:  "password123",
		Role:      "admin",
	})

	if w.Code != http.StatusBadRequest {
		t.Errorf("Expected status %d, got %d", http.StatusBadRequest, w.Code)
	}
	dbtest.ExpectationsMet(t, mock)
}

func TestAuthHandler_Login_Success(t *testing.T) {
	mock, tokens, router := setupAuthTest(t)

	hashed, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}
	mock.ExpectQuery("FROM users u LEFT JOIN buyers b ON b.user_id = u.id LEFT JOIN producers p ON p.user_id = u.id WHERE u.email = \\$1").
		WithArgs("ann@example.com").
		WillReturnRows(sqlmock.NewRows(loginCols).
			AddRow(1, "Ann", "Lee", "ann@example.com", hashed, "buyer", time.Now(), 7, nil))

	w := doRequest(router, "POST", "/auth/login", models.LoginRequest{Email: "ann@example.com", Password: "password123"})

	if w.Code != http.StatusOK {
		t.Fatalf("Expected status %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
	}
	resp := decodeLogin(t, w.Body.Bytes())
	claims, err := tokens.Parse(resp.Token)
	if err != nil {
		t.Fatalf("Expected a valid token, got %v", err)
	}
	if claims.UserID != 1 || claims.Name != "Ann Lee" || claims.BuyerID == nil || *claims.BuyerID != 7 {
		t.Errorf("Unexpected claims %+v", claims)
	}
	dbtest.ExpectationsMet(t, mock)
}

func TestAuthHandler_Login_InvalidCredentials(t *testing.T) {
	hashed, err := auth.HashPassword("password123")
	if err != nil {
		t.Fatalf("Failed to hash password: %v", err)
	}

	tests := []struct {
		name   string
		expect func(mock sqlmock.Sqlmock)
	}{
		{
			name: "unknown email",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM users u").
					WithArgs("ann@example.com").
					WillReturnError(sql.ErrNoRows)
			},
		},
		{
			name: "wrong password",
			expect: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery("FROM users u").
					WithArgs("ann@example.com").
					WillReturnRows(sqlmock.NewRows(loginCols).
						AddRow(1, "Ann", "Lee", "ann@example.com", hashed, "buyer", time.Now(), 7, nil))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, _, router := setupAuthTest(t)
			tt.expect(mock)

			w := doRequest(router, "POST", "/auth/login", models.LoginRequest{Email: "ann@example.com", Password: "wrongpassword"})

			if w.Code != http.StatusUnauthorized {
				t.Errorf("Expected status %d, got %d", http.StatusUnauthorized, w.Code)
			}
			if body := decodeBody(t, w); body["error"] != "Invalid email or password" {
				t.Errorf("Expected generic credentials error, got %v", body["error"])
			}
			dbtest.ExpectationsMet(t, mock)
		})
	}
}

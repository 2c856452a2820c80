package handlers

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"marketplace-svc/auth"
	"marketplace-svc/middleware"
	"marketplace-svc/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
)

func testLogger(t *testing.T) *zap.Logger {
	return zaptest.NewLogger(t, zaptest.Level(zap.InfoLevel))
}

// newRouter returns a test router that authenticates every request as claims.
// A nil claims leaves the request anonymous.
func newRouter(claims *auth.Claims) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(func(c *gin.Context) {
		if claims != nil {
			middleware.SetCurrentUser(c, claims)
		}
		c.Next()
	})
	return router
}

func int64Ptr(v int64) *int64 { return &v }

func buyerClaims(userID, buyerID int64) *auth.Claims {
	return &auth.Claims{UserID: userID, Role: models.RoleBuyer, Name: "Ann Buyer", BuyerID: int64Ptr(buyerID)}
}

func producerClaims(userID, producerID int64) *auth.Claims {
	return &auth.Claims{UserID: userID, Role: models.RoleProducer, Name: "Pat Producer", ProducerID: int64Ptr(producerID)}
}

func adminClaims(userID int64) *auth.Claims {
	return &auth.Claims{UserID: userID, Role: models.RoleAdmin, Name: "Ada Admin"}
}

func doRequest(router http.Handler, method, path string, body any) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewBuffer(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("Failed to decode response %q: %v", w.Body.String(), err)
	}
	return out
}

package main

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func optionalBodyContext(t *testing.T, body string) (*gin.Context, *httptest.ResponseRecorder) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	c.Request = req
	return c, w
}

func TestBindOptionalJSON(t *testing.T) {
	type payload struct {
		Reason *string `json:"reason"`
	}

	t.Run("empty body is accepted", func(t *testing.T) {
		c, w := optionalBodyContext(t, "")
		var input payload
		if !bindOptionalJSON(c, &input) {
			t.Fatalf("empty body must bind, response %d %s", w.Code, w.Body.String())
		}
		if input.Reason != nil {
			t.Fatalf("empty body must leave the target zero, got %v", *input.Reason)
		}
	})

	t.Run("valid body decodes", func(t *testing.T) {
		c, _ := optionalBodyContext(t, `{"reason":"customer request"}`)
		var input payload
		if !bindOptionalJSON(c, &input) {
			t.Fatal("valid body must bind")
		}
		if input.Reason == nil || *input.Reason != "customer request" {
			t.Fatalf("unexpected decode result: %v", input.Reason)
		}
	})

	t.Run("malformed body is a 400", func(t *testing.T) {
		c, w := optionalBodyContext(t, `{"reason":`)
		var input payload
		if bindOptionalJSON(c, &input) {
			t.Fatal("malformed body must not bind")
		}
		if w.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", w.Code)
		}
	})
}

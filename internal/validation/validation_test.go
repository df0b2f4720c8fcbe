package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestIsValidEthAddress(t *testing.T) {
	tests := []struct {
		addr  string
		valid bool
	}{
		{"0x1234567890123456789012345678901234567890", true},
		{"0xabcdefABCDEF1234567890123456789012345678", true},
		{"0x0000000000000000000000000000000000000000", true},

		{"1234567890123456789012345678901234567890", false},     // No 0x
		{"0x12345678901234567890123456789012345678", false},     // Too short
		{"0x123456789012345678901234567890123456789012", false}, // Too long
		{"0xGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGGG", false},   // Invalid chars
		{"", false},
		{"0x", false},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.valid, IsValidEthAddress(tc.addr), "IsValidEthAddress(%q)", tc.addr)
	}
}

func TestIsValidCalldata(t *testing.T) {
	assert.True(t, IsValidCalldata("0x"))
	assert.True(t, IsValidCalldata("0x095ea7b3"))
	assert.False(t, IsValidCalldata("095ea7b3"))
	assert.False(t, IsValidCalldata("0x095ea7b"))
	assert.False(t, IsValidCalldata("0xzz"))
}

func TestIsValidWei(t *testing.T) {
	maxUint256 := "115792089237316195423570985008687907853269984665640564039457584007913129639935"
	assert.True(t, IsValidWei("0"))
	assert.True(t, IsValidWei("1000000000000000000"))
	assert.True(t, IsValidWei(maxUint256))
	assert.False(t, IsValidWei("115792089237316195423570985008687907853269984665640564039457584007913129639936"))
	assert.False(t, IsValidWei("-1"))
	assert.False(t, IsValidWei("+1"))
	assert.False(t, IsValidWei("1e18"))
	assert.False(t, IsValidWei(""))
}

func TestSanitizeAddress(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"0x1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"0xABCDEF1234567890123456789012345678901234", "0xabcdef1234567890123456789012345678901234"},
		{"  0x1234567890123456789012345678901234567890  ", "0x1234567890123456789012345678901234567890"},
		{"1234567890123456789012345678901234567890", "0x1234567890123456789012345678901234567890"},
		{"NOT-AN-ADDRESS", "not-an-address"},
	}

	for _, tc := range tests {
		assert.Equal(t, tc.expected, SanitizeAddress(tc.input))
	}
}

func TestValidate(t *testing.T) {
	errs := Validate(
		Required("to", "0x1234567890123456789012345678901234567890"),
		ValidAddress("to", "0x1234567890123456789012345678901234567890"),
		ValidWei("value", "1000"),
		ValidCalldata("data", "0x"),
	)
	assert.Empty(t, errs)

	errs = Validate(
		Required("to", ""),
		ValidAddress("from", "invalid"),
		ValidWei("value", "1.5"),
		ValidCalldata("data", "abc"),
	)
	assert.Len(t, errs, 4)
	assert.Equal(t, "to: is required", errs.Error())
}

func TestRequestSizeMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestSizeMiddleware(16))
	r.POST("/echo", func(c *gin.Context) {
		var body map[string]any
		if err := c.ShouldBindJSON(&body); err != nil {
			c.Status(http.StatusRequestEntityTooLarge)
			return
		}
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("POST", "/echo", strings.NewReader(`{"a":"`+strings.Repeat("x", 64)+`"}`)))
	assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
}

package utils

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ms-fulfillment/internal/apperror"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusFor(t *testing.T) {
	cases := map[int]error{
		http.StatusBadRequest:          apperror.Validation("op", "bad"),
		http.StatusNotFound:            apperror.NotFound("op", "gone"),
		http.StatusConflict:            apperror.Conflict("op", "dup"),
		http.StatusInternalServerError: apperror.InsufficientBalance("op", "s", 10, 5),
	}
	for want, err := range cases {
		assert.Equal(t, want, StatusFor(err), err.Error())
	}
	assert.Equal(t, http.StatusConflict, StatusFor(apperror.InvalidTransition("op", "a", "b")))
	assert.Equal(t, http.StatusInternalServerError, StatusFor(errors.New("boom")))
}

func TestWriteErrorHidesInternalDetails(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "failed", errors.New("pq: password authentication failed"))

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", body.Error)
	assert.False(t, body.Success)
}

func TestWriteErrorCarriesConflictCode(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, "failed", apperror.Conflict("aftersale.Open", "active request exists"))

	var body APIResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", body.Code)
}

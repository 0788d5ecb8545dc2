package response_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/faultline/internal/api/response"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestJSON(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"status": "resolved"})

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	data := decode(t, w)["data"].(map[string]any)
	assert.Equal(t, "resolved", data["status"])
}

func TestJSON_DoesNotEscapeHTML(t *testing.T) {
	w := httptest.NewRecorder()
	response.JSON(w, map[string]string{"message": "<nil> & friends"})
	assert.Contains(t, w.Body.String(), "<nil> & friends")
}

func TestCreatedAndAccepted(t *testing.T) {
	w := httptest.NewRecorder()
	response.Created(w, map[string]string{"id": "abc"})
	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "abc", decode(t, w)["data"].(map[string]any)["id"])

	w = httptest.NewRecorder()
	response.Accepted(w, map[string]bool{"tracked": false})
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, false, decode(t, w)["data"].(map[string]any)["tracked"])
}

func TestNoContent(t *testing.T) {
	w := httptest.NewRecorder()
	response.NoContent(w)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Body.Bytes())
}

func TestCollection(t *testing.T) {
	w := httptest.NewRecorder()
	items := []map[string]string{{"id": "1"}, {"id": "2"}}

	response.Collection(w, items, response.Meta(1, 20, 50))

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Len(t, body["data"].([]any), 2)

	m := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), m["page"])
	assert.Equal(t, float64(20), m["limit"])
	assert.Equal(t, float64(50), m["total"])
	assert.Equal(t, true, m["has_next"])
}

func TestMeta_LastPage(t *testing.T) {
	assert.False(t, response.Meta(3, 20, 60).HasNext)
	assert.True(t, response.Meta(2, 20, 41).HasNext)
	assert.False(t, response.Meta(1, 20, 0).HasNext)
}

func TestError(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid payload", []map[string]string{
		{"field": "exception_class", "rule": "required"},
	})

	assert.Equal(t, http.StatusBadRequest, w.Code)
	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "VALIDATION_ERROR", errObj["code"])
	assert.Equal(t, "Invalid payload", errObj["message"])
	assert.NotNil(t, errObj["details"])
}

func TestError_NoDetails(t *testing.T) {
	w := httptest.NewRecorder()
	response.Error(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "Issue not found", nil)

	errObj := decode(t, w)["error"].(map[string]any)
	assert.Equal(t, "RESOURCE_NOT_FOUND", errObj["code"])
	_, hasDetails := errObj["details"]
	assert.False(t, hasDetails)
}

func TestInternal(t *testing.T) {
	w := httptest.NewRecorder()
	response.Internal(w)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", decode(t, w)["error"].(map[string]any)["code"])
}

package scimerr_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/scimserver/internal/scimerr"
)

func TestConstructorsSetStatusAndType(t *testing.T) {
	e := scimerr.InvalidFilter("bad filter: %s", "oops")
	assert.Equal(t, http.StatusBadRequest, e.Status)
	assert.Equal(t, scimerr.TypeInvalidFilter, e.ScimType)
	assert.Contains(t, e.Detail, "oops")

	u := scimerr.Uniqueness("duplicate externalId")
	assert.Equal(t, http.StatusConflict, u.Status)
	assert.Equal(t, scimerr.TypeUniqueness, u.ScimType)
}

func TestAsUnwrapsWrappedError(t *testing.T) {
	base := scimerr.NotFound("no such user")
	wrapped := fmt.Errorf("while fetching: %w", base)

	se, ok := scimerr.As(wrapped)
	require.True(t, ok)
	assert.Equal(t, http.StatusNotFound, se.Status)
}

func TestAsReturnsFalseForPlainError(t *testing.T) {
	_, ok := scimerr.As(errors.New("boom"))
	assert.False(t, ok)
}

func TestDocumentOmitsScimTypeWhenUnset(t *testing.T) {
	e := scimerr.Unauthorized("nope")
	doc := e.Document()
	assert.NotContains(t, doc, "scimType")
	assert.Equal(t, "401", doc["status"])
}

func TestDocumentIncludesScimTypeWhenSet(t *testing.T) {
	e := scimerr.InvalidValue("bad value")
	doc := e.Document()
	assert.Equal(t, "invalidValue", doc["scimType"])
}

func TestInternalCarriesCauseButHidesItFromDetail(t *testing.T) {
	cause := errors.New("db connection reset")
	e := scimerr.Internal("corr-123", cause)
	assert.Equal(t, http.StatusInternalServerError, e.Status)
	assert.NotContains(t, e.Detail, "db connection reset", "internal cause must not leak into the client-visible detail")
	assert.ErrorIs(t, e, cause)
}

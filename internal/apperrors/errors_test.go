package apperrors_test

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/atlas-desktop/backtest-lab/internal/apperrors"
	"github.com/stretchr/testify/assert"
)

func TestKindSurvivesWrapping(t *testing.T) {
	base := apperrors.InvalidTransition("tasks.Pause", "pause", "PENDING")
	wrapped := fmt.Errorf("handler: %w", base)

	assert.True(t, apperrors.Is(wrapped, apperrors.KindInvalidTransition))
	assert.False(t, apperrors.Is(wrapped, apperrors.KindNotFound))
	assert.Equal(t, apperrors.CodeInvalidTransition, apperrors.CodeOf(wrapped))
	assert.Equal(t, http.StatusConflict, apperrors.HTTPStatus(wrapped))
	assert.Contains(t, base.Error(), "pause")
	assert.Contains(t, base.Error(), "PENDING")
}

func TestPlainErrorsAreInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, apperrors.KindInternal, apperrors.KindOf(err))
	assert.Equal(t, http.StatusInternalServerError, apperrors.HTTPStatus(err))
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := map[apperrors.Kind]int{
		apperrors.KindValidation:        http.StatusBadRequest,
		apperrors.KindNotFound:          http.StatusNotFound,
		apperrors.KindInvalidOperation:  http.StatusConflict,
		apperrors.KindResourceExhausted: http.StatusServiceUnavailable,
		apperrors.KindTimeout:           http.StatusGatewayTimeout,
		apperrors.KindEngine:            http.StatusBadGateway,
	}
	for kind, status := range cases {
		assert.Equal(t, status, apperrors.New(kind, "op", "x").HTTPStatus(), kind.String())
	}
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := apperrors.Wrap(apperrors.KindInternal, "store.Save", cause)
	assert.ErrorIs(t, err, cause)
	assert.Nil(t, apperrors.Wrap(apperrors.KindInternal, "noop", nil))
}

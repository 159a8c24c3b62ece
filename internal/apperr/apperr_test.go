package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	insufficient := &InsufficientFundsError{
		SchemeID:  1,
		Available: decimal.NewFromInt(100),
		Requested: decimal.NewFromInt(500),
	}

	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{Validationf("amount must be positive"), http.StatusBadRequest},
		{insufficient, http.StatusBadRequest},
		{ErrForbidden, http.StatusForbidden},
		{ErrSchemeNotFound, http.StatusNotFound},
		{ErrNotFound, http.StatusNotFound},
		{ErrInvalidTransition, http.StatusConflict},
		{ErrStoreUnavailable, http.StatusServiceUnavailable},
		{errors.New("database exploded"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "err %v", tc.err)
	}
}

func TestHTTPStatusWrappedErrors(t *testing.T) {
	wrapped := fmt.Errorf("get scheme: %w", ErrSchemeNotFound)
	assert.Equal(t, http.StatusNotFound, HTTPStatus(wrapped))

	wrappedIFE := fmt.Errorf("approve request: %w", &InsufficientFundsError{SchemeID: 2})
	assert.Equal(t, http.StatusBadRequest, HTTPStatus(wrappedIFE))
}

func TestInsufficientFundsErrorMessage(t *testing.T) {
	err := &InsufficientFundsError{
		SchemeID:  7,
		Available: decimal.NewFromInt(600),
		Requested: decimal.NewFromInt(700),
	}
	assert.Equal(t, "insufficient funds for scheme 7: available 600, requested 700", err.Error())
	assert.True(t, IsInsufficientFunds(err))
	assert.False(t, IsValidation(err))
}

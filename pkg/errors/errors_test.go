package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("boom"), false},
		{"wrapped transient", fmt.Errorf("fetch: %w", ErrTransientIO), true},
		{"helper", Transient(errors.New("dial tcp: refused")), true},
		{"cancelled", Transient(context.Canceled), false},
		{"conflict", ErrItemWriteConflict, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsTransient(tt.err))
		})
	}
}

func TestTransientDoesNotDoubleWrap(t *testing.T) {
	err := Transient(errors.New("x"))
	assert.Same(t, err, Transient(err))
}

func TestHTTPStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusNotFound, HTTPStatusCode(fmt.Errorf("item 4: %w", ErrNotFound)))
	assert.Equal(t, http.StatusConflict, HTTPStatusCode(ErrBuildInProgress))
	assert.Equal(t, http.StatusServiceUnavailable, HTTPStatusCode(fmt.Errorf("%w: store down", ErrCacheBuildFailed)))
	assert.Equal(t, http.StatusTeapot, HTTPStatusCode(New(ErrInternal, http.StatusTeapot, "x")))
	assert.Equal(t, http.StatusInternalServerError, HTTPStatusCode(errors.New("other")))
}

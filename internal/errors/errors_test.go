package errors

import (
	"bytes"
	stderrors "errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/seamopt/internal/logging"
)

func TestErrorString(t *testing.T) {
	base := stderrors.New("disk full")

	tests := []struct {
		name string
		err  *Error
		want string
	}{
		{"message", New("boom"), "boom"},
		{"with op and component", New("boom").WithOperation("save").WithComponent("store"), "store: save: boom"},
		{"wrapped", Wrap(base, "writing checkpoint"), "writing checkpoint: disk full"},
		{"invariant", Invariant("dual", "weight %v", 1.0), "dual: invariant violated: weight 1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.err.Error())
		})
	}
}

func TestWrap(t *testing.T) {
	assert.Nil(t, Wrap(nil, "nothing"))

	base := stderrors.New("root")
	wrapped := Wrapf(base, "step %d", 3)
	assert.True(t, Is(wrapped, base))
	assert.Equal(t, base, Unwrap(wrapped))
	assert.NotEmpty(t, wrapped.StackTrace())

	// wrapping an *Error keeps it and replaces the message
	again := Wrap(wrapped, "outer")
	assert.Same(t, wrapped, again)
	assert.Equal(t, "outer: root", again.Error())
}

func TestIsInvariant(t *testing.T) {
	inv := Invariant("controller", "no split applies")
	assert.True(t, IsInvariant(inv))
	assert.True(t, IsInvariant(fmt.Errorf("run: %w", inv)))
	assert.False(t, IsInvariant(New("plain")))
	assert.False(t, IsInvariant(stderrors.New("std")))
	assert.False(t, IsInvariant(nil))
	assert.Equal(t, KindInvariant, inv.Kind)
	assert.Equal(t, "invariant violated", inv.Kind.String())
	assert.Equal(t, "internal", KindInternal.String())
}

func TestRecover(t *testing.T) {
	assert.Nil(t, Recover(nil))

	inv := Invariant("controller", "broken")
	err := Recover(inv)
	assert.Same(t, inv, err)

	assert.PanicsWithValue(t, "index out of range", func() { _ = Recover("index out of range") })
}

func TestRecoveryMiddleware(t *testing.T) {
	var buf bytes.Buffer
	logger := logging.New(logging.ErrorLevel, &buf)

	h := RecoveryMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		panic("handler exploded")
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/runs?x=1", nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, buf.String(), "handler exploded")
	assert.Contains(t, buf.String(), "/api/v1/runs")
}

package async

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/teranos/scry/errors"
)

func TestClassifyError_Sentinels(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"engine timeout", errors.Wrap(errors.ErrEngineTimeout, "ddg"), ErrorCodeTimeout, true},
		{"context deadline", context.DeadlineExceeded, ErrorCodeTimeout, true},
		{"engine unavailable", errors.NewEngineUnavailable("ddg", "not registered"), ErrorCodeEngine, true},
		{"engine failure", errors.Wrap(errors.ErrEngineFailure, "crtsh"), ErrorCodeEngine, true},
		{"chain exhausted", errors.Wrap(errors.ErrAllStagesExhausted, "https://example.com"), ErrorCodeExhausted, false},
		{"slot exhausted", errors.Wrap(errors.ErrSlotExhausted, "registry"), ErrorCodeExhausted, false},
		{"invalid config", errors.Wrap(errors.ErrInvalidConfig, "merge.strategy"), ErrorCodeValidation, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyError("execute", tc.err)
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.retryable, got.Retryable)
			assert.Equal(t, "execute", got.Stage)
			assert.Equal(t, tc.err.Error(), got.Message)
		})
	}
}

func TestClassifyError_MessageFallback(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		code      ErrorCode
		retryable bool
	}{
		{"connection refused", errors.New("connection refused by upstream"), ErrorCodeNetwork, true},
		{"dns", errors.New("lookup api.example.com: no such host"), ErrorCodeNetwork, true},
		{"driver timeout", errors.New("i/o timeout"), ErrorCodeTimeout, true},
		{"locked database", errors.New("database is locked"), ErrorCodeDatabase, true},
		{"provider", errors.New("openrouter returned status 502"), ErrorCodeLLM, true},
		{"bad payload", errors.New("validation failed: empty subject"), ErrorCodeValidation, false},
		{"mystery", errors.New("something odd happened"), ErrorCodeUnknown, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := ClassifyError("fetch", tc.err)
			assert.Equal(t, tc.code, got.Code)
			assert.Equal(t, tc.retryable, got.Retryable)
		})
	}
}

func TestClassifyError_Nil(t *testing.T) {
	got := ClassifyError("execute", nil)
	assert.Equal(t, ErrorCodeUnknown, got.Code)
	assert.Equal(t, "unknown error", got.Message)
	assert.False(t, got.Retryable)
}

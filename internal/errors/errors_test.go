package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	base := stderrors.New("exit status 1")

	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"transient", Transient("run", base), KindTransient},
		{"fatal", Fatal("run", base), KindFatal},
		{"wrapped fatal", fmt.Errorf("push: %w", Fatal("run", base)), KindFatal},
		{"degraded", Degraded("sample", base), KindDegraded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindFatal, "op", nil))
}

func TestErrorMessage(t *testing.T) {
	err := Fatal("git push", stderrors.New("exit status 128"))
	assert.Equal(t, "git push fatal: exit status 128", err.Error())
	assert.True(t, IsFatal(err))

	msg := Fatalf("config", "missing %s", "SLACK_WEBHOOK_URL")
	assert.Equal(t, "config fatal: missing SLACK_WEBHOOK_URL", msg.Error())
}

func TestUnwrap(t *testing.T) {
	sentinel := stderrors.New("sentinel")
	err := Degraded("notify", sentinel)
	assert.True(t, Is(err, sentinel))

	var e *Error
	assert.True(t, As(err, &e))
	assert.Equal(t, "notify", e.Op)
}

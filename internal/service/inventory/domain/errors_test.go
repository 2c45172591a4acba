package domain

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestErrorCode_RoundTrip(t *testing.T) {
	for _, c := range errorCodes {
		wrapped := errors.Wrap(c.err, "context")
		assert.Equal(t, c.code, ErrorCode(wrapped))
		assert.Equal(t, c.err, ErrorFromCode(c.code))
	}
	assert.Equal(t, "INTERNAL", ErrorCode(errors.New("boom")))
	assert.Nil(t, ErrorFromCode("INTERNAL"))
}

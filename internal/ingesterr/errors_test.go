package ingesterr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfWrapped(t *testing.T) {
	base := New(TooLarge, "content-length %d exceeds maximum allowed value %d", 60, 50)
	wrapped := fmt.Errorf("fetch resource r1: %w", base)

	assert.Equal(t, TooLarge, KindOf(wrapped))
	assert.True(t, Is(wrapped, TooLarge))
	assert.False(t, Is(wrapped, EmptyResource))
	assert.True(t, errors.Is(wrapped, &Error{Kind: TooLarge}))
	assert.Equal(t, "TooLarge", ClassName(wrapped))
}

func TestRetryable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(LinkInvalid, "Invalid url scheme"), false},
		{New(ParseError, "no table"), false},
		{New(EmptyResource, "zero length"), false},
		{HTTP(StoreError, 500, "boom", "datastore_create failed"), true},
		{Wrap(LinkCheckFailed, context.DeadlineExceeded, "HEAD request"), true},
		{errors.New("something unexpected"), true},
		{nil, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Retryable(tc.err), "%v", tc.err)
	}
}

func TestErrorMessage(t *testing.T) {
	err := HTTP(StoreError, 409, `{"success": false}`, "datastore_upsert failed for %s", "abc")
	assert.Equal(t, `datastore_upsert failed for abc (status 409): {"success": false}`, err.Error())
	assert.Equal(t, "Error", ClassName(errors.New("plain")))

	cause := errors.New("dial tcp: refused")
	wrapped := Wrap(DownloadFailed, cause, "Connection error")
	assert.ErrorIs(t, wrapped, cause)
	assert.Equal(t, "Connection error: dial tcp: refused", wrapped.Error())
}

package types

import (
	"crypto/md5"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContentHash_RoundTrip(t *testing.T) {
	sum := md5.Sum([]byte("hello world"))
	h := HashFromMD5(sum[:])

	assert.Equal(t, "XrY7u+Ae7tCTyyK7j1rNww==", h.String())
	assert.Equal(t, sum[:], h.MD5())
	assert.Equal(t, h, CalculateContentHash([]byte("hello world")))
}

func TestContentHash_Zero(t *testing.T) {
	var zero ContentHash
	assert.True(t, zero.IsZero())
	assert.Nil(t, zero.MD5())
	assert.Equal(t, ContentHash(""), HashFromMD5(nil))

	// 非法 base64 不应该 panic
	assert.Nil(t, ContentHash("%%%").MD5())
}

func TestExistsResult_HasHash(t *testing.T) {
	tests := []struct {
		name string
		in   ExistsResult
		want bool
	}{
		{"Absent", Absent(), false},
		{"Present with hash", Present("abc"), true},
		{"Present without hash", Present(""), false},
		{"Hash but not exists", ExistsResult{ContentHash: "abc"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.in.HasHash())
		})
	}
}

func TestAccessPolicy_IsValid(t *testing.T) {
	assert.True(t, AccessBlob.IsValid())
	assert.True(t, AccessPrivate.IsValid())
	assert.True(t, AccessContainer.IsValid())
	assert.False(t, AccessPolicy("public").IsValid())
}

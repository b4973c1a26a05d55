package utils

import (
	"testing"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncryptDecrypt(t *testing.T) {
	key := gofakeit.Password(true, true, true, false, false, 32)
	secret := gofakeit.Password(true, true, true, true, false, 20)

	enc, err := EncryptWithKey(key, secret)
	require.NoError(t, err)
	assert.NotEqual(t, secret, enc)

	again, err := EncryptWithKey(key, secret)
	require.NoError(t, err)
	assert.NotEqual(t, enc, again, "nonce must differ per call")

	plain, err := DecryptWithKey(key, enc)
	require.NoError(t, err)
	assert.Equal(t, secret, plain)

	_, err = DecryptWithKey("another-key-entirely", enc)
	assert.Error(t, err)
}

func TestEncryptEmpty(t *testing.T) {
	enc, err := EncryptWithKey("k", "")
	require.NoError(t, err)
	assert.Empty(t, enc)

	_, err = EncryptWithKey("", "secret")
	assert.Error(t, err)

	_, err = DecryptWithKey("k", "c2hvcnQ=")
	assert.Error(t, err)
}

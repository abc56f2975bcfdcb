package connections

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCipherRoundTrip(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte(`{"access_token":"xoxb-secret"}`))
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), "xoxb-secret")

	plain, err := cipher.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_token":"xoxb-secret"}`, string(plain))
}

func TestCipherRejectsTamperedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	sealed, err := cipher.Encrypt([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = cipher.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestCipherRejectsWrongKey(t *testing.T) {
	keyA, err := GenerateKey()
	require.NoError(t, err)
	keyB, err := GenerateKey()
	require.NoError(t, err)
	a, err := NewCipher(keyA)
	require.NoError(t, err)
	b, err := NewCipher(keyB)
	require.NoError(t, err)

	sealed, err := a.Encrypt([]byte("payload"))
	require.NoError(t, err)

	_, err = b.Decrypt(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestNewCipherRejectsBadKeys(t *testing.T) {
	_, err := NewCipher("not-base64!!!")
	assert.ErrorIs(t, err, ErrBadKey)

	_, err = NewCipher("c2hvcnQ=") // "short"
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestCipherRejectsTruncatedCiphertext(t *testing.T) {
	key, err := GenerateKey()
	require.NoError(t, err)
	cipher, err := NewCipher(key)
	require.NoError(t, err)

	_, err = cipher.Decrypt([]byte("short"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

package secrets

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_RoundTrip(t *testing.T) {
	box, err := NewBox("gateway-secret")
	require.NoError(t, err)

	sealed, err := box.Seal([]byte(`{"access_key":"AK","secret_key":"SK"}`))
	require.NoError(t, err)

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, `{"access_key":"AK","secret_key":"SK"}`, string(plain))
}

func TestBox_NoncesDiffer(t *testing.T) {
	box, err := NewBox("gateway-secret")
	require.NoError(t, err)

	a, err := box.Seal([]byte("same"))
	require.NoError(t, err)

	b, err := box.Seal([]byte("same"))
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
}

func TestBox_WrongKey(t *testing.T) {
	sealer, err := NewBox("key-one")
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)

	opener, err := NewBox("key-two")
	require.NoError(t, err)

	_, err = opener.Open(sealed)
	assert.ErrorIs(t, err, ErrDecryptFailure)
}

func TestBox_MalformedCiphertext(t *testing.T) {
	box, err := NewBox("gateway-secret")
	require.NoError(t, err)

	_, err = box.Open("not-base64!!!")
	assert.ErrorIs(t, err, ErrBadCiphertext)

	_, err = box.Open("QQ==") // too short to hold a nonce
	assert.ErrorIs(t, err, ErrBadCiphertext)
}

func TestNewBox_EmptySecret(t *testing.T) {
	_, err := NewBox("")
	assert.ErrorIs(t, err, ErrEmptySecret)
}

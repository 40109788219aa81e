package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeriver(t *testing.T, passphrase string) *KeyDeriver {
	t.Helper()

	d := NewKeyDeriver()
	d.SetIterations(10) // cheap for tests; production uses DefaultKDFIterations
	d.SetPassphrase(passphrase, []byte("fixed-test-salt-"))

	return d
}

func TestSealOpenRoundTripPlain(t *testing.T) {
	t.Parallel()

	sealed, err := Seal([]byte(`{"hello":"world"}`), Options{})
	require.NoError(t, err)

	out, err := Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, `{"hello":"world"}`, string(out))
}

func TestSealOpenRoundTripCompressedOnly(t *testing.T) {
	t.Parallel()

	plaintext := []byte(`{"a":1,"b":2,"c":[1,2,3,4,5,6,7,8,9,10]}`)

	sealed, err := Seal(plaintext, Options{Compress: true})
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, sealed)

	out, err := Open(sealed, nil)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestSealOpenRoundTripEncryptedAndCompressed(t *testing.T) {
	t.Parallel()

	deriver := testDeriver(t, "correct horse battery staple")
	plaintext := []byte(`{"secret":"value"}`)

	sealed, err := Seal(plaintext, Options{Encrypt: true, Compress: true, KeyDeriver: deriver})
	require.NoError(t, err)

	out, err := Open(sealed, deriver)
	require.NoError(t, err)
	assert.Equal(t, plaintext, out)
}

func TestOpenWrongPassphraseFails(t *testing.T) {
	t.Parallel()

	deriver := testDeriver(t, "right passphrase")
	sealed, err := Seal([]byte("data"), Options{Encrypt: true, KeyDeriver: deriver})
	require.NoError(t, err)

	wrong := testDeriver(t, "wrong passphrase")
	_, err = Open(sealed, wrong)
	require.Error(t, err)
}

func TestOpenEncryptedWithoutDeriverReturnsMismatch(t *testing.T) {
	t.Parallel()

	deriver := testDeriver(t, "pw")
	sealed, err := Seal([]byte("data"), Options{Encrypt: true, KeyDeriver: deriver})
	require.NoError(t, err)

	_, err = Open(sealed, nil)

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
}

func TestOpenPlainWhileExpectingEncryptionReturnsMismatch(t *testing.T) {
	t.Parallel()

	sealed, err := Seal([]byte("data"), Options{})
	require.NoError(t, err)

	_, err = Open(sealed, testDeriver(t, "pw"))

	var mismatch *MismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.True(t, mismatch.Expected)
	assert.False(t, mismatch.Got)
}

func TestKeyDeriverCachesKeyUntilPassphraseChange(t *testing.T) {
	t.Parallel()

	d := testDeriver(t, "pw1")

	k1, err := d.Key()
	require.NoError(t, err)

	k2, err := d.Key()
	require.NoError(t, err)
	assert.Equal(t, k1, k2)

	d.SetPassphrase("pw2", []byte("fixed-test-salt-"))

	k3, err := d.Key()
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3)
}

func TestNewSaltIsRandomAndCorrectLength(t *testing.T) {
	t.Parallel()

	s1, err := NewSalt()
	require.NoError(t, err)
	assert.Len(t, s1, saltSize)

	s2, err := NewSalt()
	require.NoError(t, err)
	assert.NotEqual(t, s1, s2)
}

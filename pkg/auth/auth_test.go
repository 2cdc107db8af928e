package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gregtusar/accountdash/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testUsers() []models.User {
	return []models.User{
		{ID: "1", Name: "Demo User", Email: "demo@example.com", Password: "password123", APIKey: "key-1"},
		{ID: "2", Name: "Ops", Email: "Ops@Example.com", Password: "hunter2"},
	}
}

func TestDirectoryValidate(t *testing.T) {
	d := NewDirectory(testUsers())

	u, err := d.Validate("demo@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, "1", u.ID)
	assert.Equal(t, "key-1", u.APIKey)

	u, err = d.Validate(" OPS@example.com ", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, "2", u.ID)

	_, err = d.Validate("demo@example.com", "wrong")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = d.Validate("nobody@example.com", "password123")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestDirectoryReturnsCopies(t *testing.T) {
	d := NewDirectory(testUsers())

	u, ok := d.ByEmail("demo@example.com")
	require.True(t, ok)
	u.APIKey = "changed"

	again, _ := d.ByEmail("demo@example.com")
	assert.Equal(t, "key-1", again.APIKey)
	assert.Len(t, d.Users(), 2)
}

func TestInitials(t *testing.T) {
	assert.Equal(t, "DU", Initials("Demo User"))
	assert.Equal(t, "JR", Initials("john ronald reuel"))
	assert.Equal(t, "O", Initials("ops"))
	assert.Equal(t, "ÉL", Initials("élodie  lemaire"))
	assert.Equal(t, "U", Initials(""))
	assert.Equal(t, "U", Initials("   "))
}

func TestTokenRoundTrip(t *testing.T) {
	issuer, err := NewTokenIssuer("s3cret", time.Hour)
	require.NoError(t, err)

	token, err := issuer.Issue(&testUsers()[0])
	require.NoError(t, err)

	claims, err := issuer.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, "demo@example.com", claims.Email)
	assert.Equal(t, "Demo User", claims.Name)
	assert.Equal(t, "1", claims.Subject)
}

func TestTokenRejected(t *testing.T) {
	issuer, err := NewTokenIssuer("s3cret", time.Hour)
	require.NoError(t, err)
	other, err := NewTokenIssuer("different", time.Hour)
	require.NoError(t, err)

	token, err := other.Issue(&testUsers()[0])
	require.NoError(t, err)
	_, err = issuer.Parse(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = issuer.Parse("garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Email: "demo@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	})
	signed, err := expired.SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = issuer.Parse(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{
		Email: "demo@example.com",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = issuer.Parse(unsigned)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNewTokenIssuerRequiresSecret(t *testing.T) {
	_, err := NewTokenIssuer("", time.Hour)
	assert.Error(t, err)
}

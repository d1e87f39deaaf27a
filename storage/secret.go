package storage

import (
	"golang.org/x/crypto/bcrypt"
)

// dummySecretHash is compared against when the client does not exist so a
// lookup miss costs the same as a wrong secret.
const dummySecretHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// CompareClientSecret checks secret against client's bcrypt hash. client is the
// result of a lookup and may be nil. A bcrypt comparison is always performed.
// Public clients have no secret and always pass.
func CompareClientSecret(client *Client, secret string) error {
	hash := dummySecretHash
	if client != nil && client.ClientSecretHash != "" {
		hash = client.ClientSecretHash
	}

	cmpErr := bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret))

	switch {
	case client == nil:
		return ErrInvalidSecret
	case !client.IsConfidential():
		return nil
	case client.ClientSecretHash == "", cmpErr != nil:
		return ErrInvalidSecret
	}
	return nil
}

// HashClientSecret returns the bcrypt hash stored for a confidential client.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

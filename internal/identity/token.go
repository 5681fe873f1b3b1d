package identity

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/appbase-cms/appbase/internal/shared"
)

const (
	// CSRFFormField is the form field name carrying the CSRF token.
	CSRFFormField = "csrf_token"
	// CSRFHeader is the header carrying the CSRF token.
	CSRFHeader = "X-CSRF-Token"

	sessionIDBytes = 32
)

// signer issues and verifies session tokens of the form "<id>.<mac>".
type signer struct {
	secret []byte
}

func randomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("identity: random: %w", err)
	}
	return b, nil
}

func newSessionID() (string, error) {
	b, err := randomBytes(sessionIDBytes)
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func (s signer) mac(id string) []byte {
	mac := hmac.New(sha256.New, s.secret)
	_, _ = mac.Write([]byte("session|"))
	_, _ = mac.Write([]byte(id))
	return mac.Sum(nil)
}

func (s signer) sign(id string) string {
	return id + "." + base64.RawURLEncoding.EncodeToString(s.mac(id))
}

// verify returns the session id carried by a token whose signature matches.
func (s signer) verify(token string) (string, error) {
	id, sig, ok := strings.Cut(token, ".")
	if !ok || id == "" || sig == "" {
		return "", shared.ErrSessionInvalid
	}
	raw, err := base64.RawURLEncoding.DecodeString(sig)
	if err != nil {
		return "", shared.ErrSessionInvalid
	}
	if !hmac.Equal(raw, s.mac(id)) {
		return "", shared.ErrSessionInvalid
	}
	return id, nil
}

// csrfToken derives the CSRF token bound to a session.
func csrfToken(sess Session) string {
	mac := hmac.New(sha256.New, sess.CSRFSecret)
	_, _ = mac.Write([]byte("csrf|"))
	_, _ = mac.Write([]byte(sess.ID))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// verifyCSRF compares the supplied token with the session-bound value.
func verifyCSRF(sess Session, token string) error {
	if token == "" || len(sess.CSRFSecret) == 0 {
		return shared.ErrCSRFMismatch
	}
	if !hmac.Equal([]byte(csrfToken(sess)), []byte(token)) {
		return shared.ErrCSRFMismatch
	}
	return nil
}

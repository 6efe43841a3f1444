package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"strings"
	"time"
)

const (
	tokenAudience = "relaynote"
	// AnyNotebook in the notebook_id claim grants access to every notebook.
	AnyNotebook = "*"
)

const (
	scopeChangesWrite = "changes:write"
	scopeChangesRead  = "changes:read"
	scopeAdminWrite   = "admin:write"
	scopeAdminRead    = "admin:read"
)

// AllScopes lists every scope the server checks.
var AllScopes = []string{scopeChangesWrite, scopeChangesRead, scopeAdminWrite, scopeAdminRead}

// Claims is the payload of an HS256 API token.
type Claims struct {
	NotebookID string   `json:"notebook_id"`
	AgentName  string   `json:"agent_name"`
	Scopes     []string `json:"scopes"`
	Audience   string   `json:"aud"`
	ExpiresAt  int64    `json:"exp"`
}

type tokenHeader struct {
	Alg string `json:"alg"`
	Typ string `json:"typ,omitempty"`
}

func (c Claims) valid(now time.Time) error {
	switch {
	case c.NotebookID == "":
		return errors.New("missing notebook_id claim")
	case c.AgentName == "":
		return errors.New("missing agent_name claim")
	case c.Audience != tokenAudience:
		return errors.New("invalid aud claim")
	case now.Unix() >= c.ExpiresAt:
		return errors.New("token expired")
	}
	return nil
}

// coversNotebook reports whether the token may act on notebookID. Routes
// that address no notebook pass "".
func (c Claims) coversNotebook(notebookID string) bool {
	return notebookID == "" || c.NotebookID == AnyNotebook || c.NotebookID == notebookID
}

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

func unauthorized(message string) *authError {
	return &authError{status: http.StatusUnauthorized, code: "unauthorized", message: message}
}

func forbidden(message string) *authError {
	return &authError{status: http.StatusForbidden, code: "forbidden", message: message}
}

// authorize checks the Authorization header of a request against the
// notebook it addresses and the scope its route needs.
func authorize(header, secret, notebookID, scope string, now time.Time) (Claims, *authError) {
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return Claims{}, unauthorized("missing or invalid bearer token")
	}
	claims, err := verifyToken(strings.TrimSpace(raw), secret)
	if err != nil {
		return Claims{}, unauthorized(err.Error())
	}
	if err := claims.valid(now); err != nil {
		return Claims{}, unauthorized(err.Error())
	}
	switch {
	case len(claims.Scopes) == 0:
		return Claims{}, forbidden("no scopes granted")
	case !claims.coversNotebook(notebookID):
		return Claims{}, forbidden("notebook mismatch")
	case scope != "" && !slices.Contains(claims.Scopes, scope):
		return Claims{}, forbidden("missing required scope: " + scope)
	}
	return claims, nil
}

// verifyToken checks the signature of a compact HS256 token and decodes its
// claims. It does not look at expiry or audience.
func verifyToken(raw, secret string) (Claims, error) {
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return Claims{}, errors.New("invalid jwt format")
	}
	var header tokenHeader
	if err := decodeSegment(parts[0], &header); err != nil {
		return Claims{}, errors.New("invalid jwt header")
	}
	if header.Alg != "HS256" {
		return Claims{}, errors.New("unsupported jwt algorithm")
	}
	sig, err := base64.RawURLEncoding.DecodeString(parts[2])
	if err != nil || !hmac.Equal(sig, signHS256(secret, parts[0]+"."+parts[1])) {
		return Claims{}, errors.New("jwt signature mismatch")
	}
	var claims Claims
	if err := decodeSegment(parts[1], &claims); err != nil {
		return Claims{}, errors.New("invalid jwt payload")
	}
	return claims, nil
}

// IssueToken signs a token that authorize accepts until exp.
func IssueToken(secret, notebookID, agentName string, scopes []string, exp time.Time) (string, error) {
	header, err := json.Marshal(tokenHeader{Alg: "HS256", Typ: "JWT"})
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Claims{
		NotebookID: notebookID,
		AgentName:  agentName,
		Scopes:     scopes,
		Audience:   tokenAudience,
		ExpiresAt:  exp.Unix(),
	})
	if err != nil {
		return "", err
	}
	signingInput := encodeSegment(header) + "." + encodeSegment(payload)
	return signingInput + "." + encodeSegment(signHS256(secret, signingInput)), nil
}

func signHS256(secret, signingInput string) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(signingInput))
	return mac.Sum(nil)
}

func decodeSegment(segment string, dst any) error {
	data, err := base64.RawURLEncoding.DecodeString(segment)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, dst)
}

func encodeSegment(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

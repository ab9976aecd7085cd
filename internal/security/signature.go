package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"
)

const (
	HeaderSignature = "X-Imagestudio-Signature"
	HeaderDate      = "X-Imagestudio-Date"
	HeaderNonce     = "X-Imagestudio-Nonce"
)

var ErrSignatureHeaders = errors.New("missing signature headers")

// RequestProof is what a dispatcher attaches to every protected call.
type RequestProof struct {
	Date      string
	Nonce     string
	Signature string
}

func ReadRequestProof(h http.Header) (RequestProof, error) {
	p := RequestProof{
		Date:      h.Get(HeaderDate),
		Nonce:     h.Get(HeaderNonce),
		Signature: h.Get(HeaderSignature),
	}
	if p.Date == "" || p.Nonce == "" || p.Signature == "" {
		return RequestProof{}, ErrSignatureHeaders
	}
	return p, nil
}

// Apply sets the proof headers on an outgoing request.
func (p RequestProof) Apply(h http.Header) {
	h.Set(HeaderDate, p.Date)
	h.Set(HeaderNonce, p.Nonce)
	h.Set(HeaderSignature, p.Signature)
}

// CanonicalRequest is the signed view of a dispatcher call: the access token id, the
// request line and a digest of the body, bound to a date and a single-use nonce.
type CanonicalRequest struct {
	TokenID  string
	Method   string
	Path     string
	Query    string
	BodyHash string
	Date     string
	Nonce    string
}

// Canonicalize builds the canonical form of r. The query is re-encoded with sorted keys so
// clients may send parameters in any order.
func Canonicalize(r *http.Request, tokenID string, body []byte, date, nonce string) CanonicalRequest {
	return CanonicalRequest{
		TokenID:  tokenID,
		Method:   strings.ToUpper(r.Method),
		Path:     r.URL.EscapedPath(),
		Query:    r.URL.Query().Encode(),
		BodyHash: BodyHash(body),
		Date:     date,
		Nonce:    nonce,
	}
}

func BodyHash(body []byte) string {
	sum := sha256.Sum256(body)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func (c CanonicalRequest) String() string {
	return strings.Join([]string{
		c.TokenID,
		strings.ToUpper(c.Method),
		c.Path,
		c.Query,
		c.BodyHash,
		c.Date,
		c.Nonce,
	}, "\n")
}

func (c CanonicalRequest) Sign(secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(c.String()))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func (c CanonicalRequest) Verify(secret, signature string) bool {
	return hmac.Equal([]byte(signature), []byte(c.Sign(secret)))
}

// Proof signs c and packages it as request headers.
func (c CanonicalRequest) Proof(secret string) RequestProof {
	return RequestProof{Date: c.Date, Nonce: c.Nonce, Signature: c.Sign(secret)}
}

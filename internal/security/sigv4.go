package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	sigV4Algorithm     = "AWS4-HMAC-SHA256"
	sigV4Terminator    = "aws4_request"
	sigV4SignedHeaders = "host;x-amz-date;x-amz-security-token"

	AmzDateFormat  = "20060102T150405Z"
	AmzDateStamp   = "20060102"
	HeaderAmzDate  = "X-Amz-Date"
	HeaderAmzToken = "X-Amz-Security-Token"
)

type UploadCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// SigV4Signer signs requests against a single host with temporary credentials. The
// canonical header block is fixed to host, x-amz-date and x-amz-security-token.
type SigV4Signer struct {
	Host    string
	Region  string
	Service string
	Now     func() time.Time
}

type SignedRequest struct {
	Authorization    string
	AmzDate          string
	CanonicalQuery   string
	CanonicalRequest string
	StringToSign     string
	Signature        string
}

func (s SigV4Signer) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

func (s SigV4Signer) Sign(creds UploadCredentials, method string, params map[string]string, payload []byte) SignedRequest {
	t := s.now()
	amzDate := t.Format(AmzDateFormat)
	dateStamp := t.Format(AmzDateStamp)

	query := CanonicalQuery(params)
	headers := fmt.Sprintf("host:%s\nx-amz-date:%s\nx-amz-security-token:%s\n", s.Host, amzDate, creds.SessionToken)
	payloadHash := sha256.Sum256(payload)

	canonicalRequest := strings.Join([]string{
		strings.ToUpper(method),
		"/",
		query,
		headers,
		sigV4SignedHeaders,
		hex.EncodeToString(payloadHash[:]),
	}, "\n")

	scope := strings.Join([]string{dateStamp, s.Region, s.Service, sigV4Terminator}, "/")
	requestHash := sha256.Sum256([]byte(canonicalRequest))
	stringToSign := strings.Join([]string{
		sigV4Algorithm,
		amzDate,
		scope,
		hex.EncodeToString(requestHash[:]),
	}, "\n")

	key := DeriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, s.Service)
	signature := hex.EncodeToString(hmacSHA256(key, []byte(stringToSign)))

	return SignedRequest{
		Authorization: fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			sigV4Algorithm, creds.AccessKeyID, scope, sigV4SignedHeaders, signature),
		AmzDate:          amzDate,
		CanonicalQuery:   query,
		CanonicalRequest: canonicalRequest,
		StringToSign:     stringToSign,
		Signature:        signature,
	}
}

// DeriveSigningKey folds date, region, service and the request terminator into the secret.
func DeriveSigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte(sigV4Terminator))
}

// CanonicalQuery percent-encodes keys and values, keeping only RFC 3986 unreserved
// characters, and joins them sorted by key.
func CanonicalQuery(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, uriEncode(k)+"="+uriEncode(params[k]))
	}
	return strings.Join(parts, "&")
}

func uriEncode(s string) string {
	const hexDigits = "0123456789ABCDEF"
	var b strings.Builder
	b.Grow(len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if isUnreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(hexDigits[c>>4])
		b.WriteByte(hexDigits[c&0x0f])
	}
	return b.String()
}

func isUnreserved(c byte) bool {
	return 'A' <= c && c <= 'Z' ||
		'a' <= c && c <= 'z' ||
		'0' <= c && c <= '9' ||
		c == '-' || c == '_' || c == '.' || c == '~'
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

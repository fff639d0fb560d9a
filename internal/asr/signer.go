package asr

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// signedHeaders fixes which headers take part in the signature.
const signedHeaders = "content-type;host;x-tc-action"

// sign computes a TC3-HMAC-SHA256 Authorization header value for one
// API request. The timestamp returned alongside must be sent as
// X-TC-Timestamp on the same request.
func sign(secretID, secretKey, host, service, action, payload string, t time.Time) (authorization, timestamp string) {
	ts := t.UTC().Unix()
	date := t.UTC().Format("2006-01-02")

	canonicalRequest := buildCanonicalRequest(host, action, payload)
	credentialScope := fmt.Sprintf("%s/%s/tc3_request", date, service)
	stringToSign := fmt.Sprintf("TC3-HMAC-SHA256\n%d\n%s\n%s",
		ts, credentialScope, sha256hex(canonicalRequest))

	secretDate := hmacSHA256([]byte("TC3"+secretKey), date)
	secretService := hmacSHA256(secretDate, service)
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	authorization = fmt.Sprintf(
		"TC3-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		secretID, credentialScope, signedHeaders, signature)
	return authorization, fmt.Sprintf("%d", ts)
}

func buildCanonicalRequest(host, action, payload string) string {
	canonicalHeaders := fmt.Sprintf(
		"content-type:application/json; charset=utf-8\nhost:%s\nx-tc-action:%s\n",
		host, strings.ToLower(action))
	return strings.Join([]string{
		"POST",
		"/",
		"",
		canonicalHeaders,
		signedHeaders,
		sha256hex(payload),
	}, "\n")
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

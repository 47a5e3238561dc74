package cobra

import (
	"crypto/hmac"
	"crypto/md5" //nolint:gosec // protocol-mandated digest, not used for anything security-sensitive here
	"encoding/base64"
)

// computeAuthHash implements the RTM authenticator:
// Base64(HMAC-MD5(key=roleSecret, data=nonce)), where nonce is taken
// as the literal UTF-8 bytes of the server-issued nonce string (its
// Base64 encoding is not decoded first).
func computeAuthHash(roleSecret, nonce string) string {
	mac := hmac.New(md5.New, []byte(roleSecret))
	mac.Write([]byte(nonce))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

package record

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"golang.org/x/text/unicode/norm"
)

// domainFingerprint separates fingerprint digests from any other SHA-256 use.
const domainFingerprint = "availwatch/fingerprint/v1"

// Fingerprint returns the content key "kind:sender:digest" for a submission.
// Identical logical submissions share a fingerprint; it is advisory only and
// never used to merge records.
func Fingerprint(kind Kind, sender string, p Payload) string {
	fields := map[string]string{
		"recipient": p.Recipient,
		"amount":    p.Amount,
		"data":      p.Data,
	}
	return string(kind) + ":" + sender + ":" + hashWithDomain(domainFingerprint, canonicalFields(fields))[:16]
}

// Fingerprint returns the fingerprint of r.
func (r Record) Fingerprint() string {
	return Fingerprint(r.Kind, r.SenderAddress, r.Payload)
}

// hashWithDomain computes SHA256(domain + 0x00 + data).
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalFields encodes a flat string map as JSON with sorted keys, NFC
// normalized values and no HTML escaping, so visually identical input always
// hashes the same.
func canonicalFields(fields map[string]string) []byte {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		// Encode never fails for strings.
		_ = enc.Encode(k)
		trimNewline(&buf)
		buf.WriteByte(':')
		_ = enc.Encode(norm.NFC.String(fields[k]))
		trimNewline(&buf)
	}
	buf.WriteByte('}')
	return buf.Bytes()
}

func trimNewline(buf *bytes.Buffer) {
	if n := buf.Len(); n > 0 && buf.Bytes()[n-1] == '\n' {
		buf.Truncate(n - 1)
	}
}

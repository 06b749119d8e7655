package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fingerprint derives a stable identity for a contract-creation payload:
// SHA-256 over the template id and the canonicalized create arguments.
// The reconciler uses it to match active-contract-set entries back to
// pending submissions whose completion was never observed.
func Fingerprint(templateID string, createArguments json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(templateID))
	h.Write([]byte{0})
	h.Write(canonicalJSON(createArguments))
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalJSON re-encodes raw JSON with sorted object keys so that two
// renderings of the same value fingerprint identically. Invalid JSON is
// hashed as-is.
func canonicalJSON(raw json.RawMessage) []byte {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return raw
	}
	out, err := json.Marshal(v) // map keys are sorted by encoding/json
	if err != nil {
		return raw
	}
	return out
}

// Package authdata implements the control-plane request-authentication
// protocol: a replay-resistant RSA-PKCS#1v15/SHA-256 signature over a
// canonical JSON serialization of an auth envelope.
package authdata

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Envelope carries the control plane's authorization of one inference call.
// Field order is the wire contract: the canonical message is serialized
// with keys in this declaration order, signature omitted.
type Envelope struct {
	Signature string `json:"signature"`
	Cost      string `json:"cost"`
	Endpoint  string `json:"endpoint"`
	Reqnum    int64  `json:"reqnum"`
	URL       string `json:"url"`
}

// FromJSON parses the auth_data object of an inbound request, reporting
// per-field errors the way the original handler does (`{field: "missing
// parameter"}`).
func FromJSON(raw map[string]any) (Envelope, map[string]string) {
	errs := map[string]string{}
	var env Envelope

	env.Signature, errs = stringField(raw, "signature", errs)
	env.Cost, errs = stringField(raw, "cost", errs)
	env.Endpoint, errs = stringField(raw, "endpoint", errs)
	env.URL, errs = stringField(raw, "url", errs)

	reqnumRaw, ok := raw["reqnum"]
	if !ok {
		errs["reqnum"] = "missing parameter"
	} else if n, ok := asInt64(reqnumRaw); ok {
		env.Reqnum = n
	} else {
		errs["reqnum"] = "missing parameter"
	}

	if len(errs) > 0 {
		return Envelope{}, errs
	}
	return env, nil
}

func stringField(raw map[string]any, key string, errs map[string]string) (string, map[string]string) {
	v, ok := raw[key]
	if !ok {
		errs[key] = "missing parameter"
		return "", errs
	}
	s, ok := v.(string)
	if !ok {
		errs[key] = "missing parameter"
		return "", errs
	}
	return s, errs
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

// canonicalMessage returns the exact byte sequence the signature is
// computed over: the envelope with `signature` removed, serialized as
// 4-space-indented JSON with keys in declaration order and `": "`
// separators. This must be reproduced byte-exactly — it is part of the
// wire contract, not an incidental encoding detail, so it is hand-built
// rather than delegated to encoding/json's map ordering.
func canonicalMessage(env Envelope) []byte {
	var buf bytes.Buffer
	buf.WriteString("{\n")
	fmt.Fprintf(&buf, "    \"cost\": %s,\n", quoteJSON(env.Cost))
	fmt.Fprintf(&buf, "    \"endpoint\": %s,\n", quoteJSON(env.Endpoint))
	fmt.Fprintf(&buf, "    \"reqnum\": %d,\n", env.Reqnum)
	fmt.Fprintf(&buf, "    \"url\": %s\n", quoteJSON(env.URL))
	buf.WriteString("}")
	return buf.Bytes()
}

// quoteJSON renders s as a JSON string literal matching Python's
// json.dumps: standard JSON string escaping without HTML-escaping
// `<`, `>`, `&`. The control plane signer is Python, not a browser
// context, so json.Marshal's default HTML-escaping of those three
// characters would produce a canonical byte sequence that diverges
// from what was actually signed.
func quoteJSON(s string) string {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(s)
	return strings.TrimRight(buf.String(), "\n")
}

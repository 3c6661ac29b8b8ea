package util

import (
	"encoding/base64"
	"encoding/json"
	"strings"
)

// TokenToText renders a compact JWS with decoded header and payload for
// debug output. The signature is shortened.
func TokenToText(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) != 3 {
		return "malformed token"
	}
	sig := parts[2]
	if len(sig) > 10 {
		sig = sig[:10] + "..."
	}

	sb := strings.Builder{}
	sb.WriteString("base64url(")
	sb.WriteString(tokenPartToText(parts[0]))
	sb.WriteString(").base64url(")
	sb.WriteString(tokenPartToText(parts[1]))
	sb.WriteString(").signature(")
	sb.WriteString(sig)
	sb.WriteString(")")
	return sb.String()
}

func tokenPartToText(s string) string {
	data, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return err.Error()
	}
	var v map[string]any
	if err := json.Unmarshal(data, &v); err != nil {
		return string(data)
	}
	pretty, err := json.MarshalIndent(v, "  ", "  ")
	if err != nil {
		return err.Error()
	}
	return string(pretty)
}

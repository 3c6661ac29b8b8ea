package certs

import (
	"crypto/x509/pkix"
	"fmt"
	"strings"
)

// ParseSubject parses a distinguished name like "CN=client,O=Example,C=DE".
// Attributes are separated by commas or slashes; a backslash escapes the
// next character. Supported attributes are C, ST, L, O, OU, CN and
// serialNumber.
func ParseSubject(dn string) (pkix.Name, error) {
	var name pkix.Name
	rdns, err := splitRDNs(dn)
	if err != nil {
		return name, err
	}
	if len(rdns) == 0 {
		return name, ErrNoSubject
	}
	for _, rdn := range rdns {
		attr, value, ok := strings.Cut(rdn, "=")
		if !ok || value == "" {
			return name, fmt.Errorf("invalid subject attribute %q", rdn)
		}
		switch strings.ToUpper(strings.TrimSpace(attr)) {
		case "C":
			name.Country = append(name.Country, value)
		case "ST":
			name.Province = append(name.Province, value)
		case "L":
			name.Locality = append(name.Locality, value)
		case "O":
			name.Organization = append(name.Organization, value)
		case "OU":
			name.OrganizationalUnit = append(name.OrganizationalUnit, value)
		case "CN":
			if name.CommonName != "" {
				return name, fmt.Errorf("subject has more than one CN")
			}
			name.CommonName = value
		case "SERIALNUMBER":
			name.SerialNumber = value
		default:
			return name, fmt.Errorf("unsupported subject attribute %q", attr)
		}
	}
	return name, nil
}

func splitRDNs(dn string) ([]string, error) {
	var (
		rdns    []string
		current strings.Builder
		escaped bool
	)
	for _, r := range strings.TrimPrefix(strings.TrimSpace(dn), "/") {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',' || r == '/':
			if s := strings.TrimSpace(current.String()); s != "" {
				rdns = append(rdns, s)
			}
			current.Reset()
		default:
			current.WriteRune(r)
		}
	}
	if escaped {
		return nil, fmt.Errorf("subject %q ends with an escape", dn)
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		rdns = append(rdns, s)
	}
	return rdns, nil
}

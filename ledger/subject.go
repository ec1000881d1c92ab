package ledger

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// oidEmailAddress is the PKCS#9 emailAddress attribute OpenSSL places in
// the subject.
var oidEmailAddress = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 9, 1}

// Subject is a certificate subject distinguished name.
type Subject struct {
	Country            string `json:"c,omitempty" yaml:"country"`
	State              string `json:"st,omitempty" yaml:"state"`
	Locality           string `json:"l,omitempty" yaml:"locality"`
	Organization       string `json:"o,omitempty" yaml:"organization"`
	OrganizationalUnit string `json:"ou,omitempty" yaml:"organizational_unit"`
	CommonName         string `json:"cn" yaml:"common_name"`
	Email              string `json:"email,omitempty" yaml:"email"`
}

type subjectField struct {
	key string
	ptr func(*Subject) *string
}

// subjectFields lists the DN attributes in OpenSSL one-line order.
var subjectFields = []subjectField{
	{"C", func(s *Subject) *string { return &s.Country }},
	{"ST", func(s *Subject) *string { return &s.State }},
	{"L", func(s *Subject) *string { return &s.Locality }},
	{"O", func(s *Subject) *string { return &s.Organization }},
	{"OU", func(s *Subject) *string { return &s.OrganizationalUnit }},
	{"CN", func(s *Subject) *string { return &s.CommonName }},
	{"emailAddress", func(s *Subject) *string { return &s.Email }},
}

// Normalize returns the subject with every value NFC-normalized and
// surrounding space trimmed, or an error wrapping ErrInvalidSubject.
func (s Subject) Normalize() (Subject, error) {
	out := s
	for _, f := range subjectFields {
		p := f.ptr(&out)
		v := norm.NFC.String(strings.TrimSpace(*p))
		if err := checkValue(f.key, v); err != nil {
			return Subject{}, err
		}
		*p = v
	}
	if out.CommonName == "" {
		return Subject{}, fmt.Errorf("%w: CN is required", ErrInvalidSubject)
	}
	if out.Country != "" {
		if len(out.Country) != 2 || !isASCIILetter(out.Country[0]) || !isASCIILetter(out.Country[1]) {
			return Subject{}, fmt.Errorf("%w: C must be a two-letter country code, got %q", ErrInvalidSubject, out.Country)
		}
		out.Country = strings.ToUpper(out.Country)
	}
	return out, nil
}

// Validate reports whether the subject would be accepted by Normalize.
func (s Subject) Validate() error {
	_, err := s.Normalize()
	return err
}

func checkValue(key, v string) error {
	for _, r := range v {
		if r == '/' {
			return fmt.Errorf("%w: %s contains '/'", ErrInvalidSubject, key)
		}
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: %s contains control character %U", ErrInvalidSubject, key, r)
		}
	}
	return nil
}

func isASCIILetter(b byte) bool {
	return (b >= 'a' && b <= 'z') || (b >= 'A' && b <= 'Z')
}

// String returns the OpenSSL one-line form, e.g. /C=US/O=Acme/CN=alice@example.com.
func (s Subject) String() string {
	var b strings.Builder
	for _, f := range subjectFields {
		v := *f.ptr(&s)
		if v == "" {
			continue
		}
		b.WriteByte('/')
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(v)
	}
	return b.String()
}

// ParseSubject parses the OpenSSL one-line form produced by String.
func ParseSubject(dn string) (Subject, error) {
	if !strings.HasPrefix(dn, "/") {
		return Subject{}, fmt.Errorf("%w: %q does not start with '/'", ErrInvalidSubject, dn)
	}
	var s Subject
	for _, part := range strings.Split(dn[1:], "/") {
		key, value, ok := strings.Cut(part, "=")
		if !ok {
			return Subject{}, fmt.Errorf("%w: malformed attribute %q", ErrInvalidSubject, part)
		}
		var target *string
		for _, f := range subjectFields {
			if strings.EqualFold(f.key, key) {
				target = f.ptr(&s)
				break
			}
		}
		if target == nil {
			return Subject{}, fmt.Errorf("%w: unsupported attribute %q", ErrInvalidSubject, key)
		}
		if *target != "" {
			return Subject{}, fmt.Errorf("%w: repeated attribute %q", ErrInvalidSubject, key)
		}
		*target = value
	}
	return s.Normalize()
}

// PKIXName converts the subject to a pkix.Name. The email address is
// carried as the PKCS#9 emailAddress attribute.
func (s Subject) PKIXName() pkix.Name {
	var name pkix.Name
	if s.Country != "" {
		name.Country = []string{s.Country}
	}
	if s.State != "" {
		name.Province = []string{s.State}
	}
	if s.Locality != "" {
		name.Locality = []string{s.Locality}
	}
	if s.Organization != "" {
		name.Organization = []string{s.Organization}
	}
	if s.OrganizationalUnit != "" {
		name.OrganizationalUnit = []string{s.OrganizationalUnit}
	}
	name.CommonName = s.CommonName
	if s.Email != "" {
		name.ExtraNames = []pkix.AttributeTypeAndValue{{
			Type:  oidEmailAddress,
			Value: asn1.RawValue{Tag: asn1.TagIA5String, Class: asn1.ClassUniversal, Bytes: []byte(s.Email)},
		}}
	}
	return name
}

// SubjectFromPKIX extracts a Subject from a parsed certificate name.
func SubjectFromPKIX(name pkix.Name) Subject {
	first := func(v []string) string {
		if len(v) == 0 {
			return ""
		}
		return v[0]
	}
	s := Subject{
		Country:            first(name.Country),
		State:              first(name.Province),
		Locality:           first(name.Locality),
		Organization:       first(name.Organization),
		OrganizationalUnit: first(name.OrganizationalUnit),
		CommonName:         name.CommonName,
	}
	for _, atv := range name.Names {
		if atv.Type.Equal(oidEmailAddress) {
			if v, ok := atv.Value.(string); ok {
				s.Email = v
			}
		}
	}
	return s
}

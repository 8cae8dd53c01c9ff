package sso

import (
	"bytes"
	"compress/flate"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	dsig "github.com/russellhaering/goxmldsig"

	"github.com/emissary-hq/emissary/pkg/auth"
)

const (
	samlProtocolNS  = "urn:oasis:names:tc:SAML:2.0:protocol"
	samlAssertionNS = "urn:oasis:names:tc:SAML:2.0:assertion"
	samlMetadataNS  = "urn:oasis:names:tc:SAML:2.0:metadata"

	bindingHTTPPost     = "urn:oasis:names:tc:SAML:2.0:bindings:HTTP-POST"
	nameIDFormatEmail   = "urn:oasis:names:tc:SAML:1.1:nameid-format:emailAddress"
	statusSuccessSuffix = ":Success"

	sigMethodRSASHA256 = "http://www.w3.org/2001/04/xmldsig-more#rsa-sha256"
	sigMethodRSASHA1   = "http://www.w3.org/2000/09/xmldsig#rsa-sha1"
	digestMethodSHA256 = "http://www.w3.org/2001/04/xmlenc#sha256"
	digestMethodSHA1   = "http://www.w3.org/2000/09/xmldsig#sha1"
)

// SAMLFlow implements the SP-initiated SAML 2.0 web SSO profile with the
// HTTP-Redirect binding outbound and the HTTP-POST binding inbound.
type SAMLFlow struct {
	tokens  *auth.TokenService
	baseURL string
	now     func() time.Time
}

// NewSAMLFlow creates a SAML flow. baseURL is this deployment's external
// base URL.
func NewSAMLFlow(tokens *auth.TokenService, baseURL string) *SAMLFlow {
	return &SAMLFlow{
		tokens:  tokens,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// EntityID returns this service provider's entity ID.
func (f *SAMLFlow) EntityID() string {
	return f.baseURL + "/auth/saml/metadata"
}

// ACSLocation returns the assertion consumer service URL.
func (f *SAMLFlow) ACSLocation() string {
	return f.baseURL + "/auth/saml/callback"
}

// LoginRedirect is the result of starting a flow.
type LoginRedirect struct {
	URL          string
	RequestToken string
}

// BuildLoginRedirect builds the IdP redirect URL carrying a deflated,
// base64-encoded AuthnRequest, plus a signed token recording the request ID
// so the callback can be tied back to this browser.
func (f *SAMLFlow) BuildLoginRedirect(settings *SAMLSettings, relayState string) (*LoginRedirect, error) {
	if !settings.Configured() {
		return nil, ErrNotConfigured
	}

	requestID := "_" + uuid.NewString()
	request := f.buildAuthnRequest(requestID, settings)

	doc := etree.NewDocument()
	doc.SetRoot(request)
	raw, err := doc.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to serialize authn request: %w", err)
	}

	var compressed bytes.Buffer
	writer, err := flate.NewWriter(&compressed, flate.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := writer.Write(raw); err != nil {
		return nil, fmt.Errorf("failed to deflate authn request: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to deflate authn request: %w", err)
	}

	query := url.Values{}
	query.Set("SAMLRequest", base64.StdEncoding.EncodeToString(compressed.Bytes()))
	if relayState != "" {
		query.Set("RelayState", relayState)
	}

	separator := "?"
	if strings.Contains(settings.SSOURL, "?") {
		separator = "&"
	}

	now := f.now()
	requestToken, err := f.tokens.SignClaims(&samlRequestClaims{
		RequestID: requestID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(FlowStateTTL)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to sign request state: %w", err)
	}

	return &LoginRedirect{
		URL:          settings.SSOURL + separator + query.Encode(),
		RequestToken: requestToken,
	}, nil
}

func (f *SAMLFlow) buildAuthnRequest(requestID string, settings *SAMLSettings) *etree.Element {
	request := etree.NewElement("samlp:AuthnRequest")
	request.CreateAttr("xmlns:samlp", samlProtocolNS)
	request.CreateAttr("xmlns:saml", samlAssertionNS)
	request.CreateAttr("ID", requestID)
	request.CreateAttr("Version", "2.0")
	request.CreateAttr("IssueInstant", f.now().UTC().Format(time.RFC3339))
	request.CreateAttr("Destination", settings.SSOURL)
	request.CreateAttr("ProtocolBinding", bindingHTTPPost)
	request.CreateAttr("AssertionConsumerServiceURL", f.ACSLocation())

	issuer := request.CreateElement("saml:Issuer")
	issuer.SetText(f.EntityID())

	policy := request.CreateElement("samlp:NameIDPolicy")
	policy.CreateAttr("Format", nameIDFormatEmail)
	policy.CreateAttr("AllowCreate", "true")

	return request
}

// Metadata renders the SP metadata document identity providers consume.
func (f *SAMLFlow) Metadata() ([]byte, error) {
	descriptor := etree.NewElement("md:EntityDescriptor")
	descriptor.CreateAttr("xmlns:md", samlMetadataNS)
	descriptor.CreateAttr("entityID", f.EntityID())

	sp := descriptor.CreateElement("md:SPSSODescriptor")
	sp.CreateAttr("AuthnRequestsSigned", "false")
	sp.CreateAttr("WantAssertionsSigned", "true")
	sp.CreateAttr("protocolSupportEnumeration", samlProtocolNS)

	nameID := sp.CreateElement("md:NameIDFormat")
	nameID.SetText(nameIDFormatEmail)

	acs := sp.CreateElement("md:AssertionConsumerService")
	acs.CreateAttr("Binding", bindingHTTPPost)
	acs.CreateAttr("Location", f.ACSLocation())
	acs.CreateAttr("index", "0")
	acs.CreateAttr("isDefault", "true")

	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)
	doc.SetRoot(descriptor)
	doc.Indent(2)
	return doc.WriteToBytes()
}

// Assertion is the validated content of a SAML response.
type Assertion struct {
	NameID       string
	Issuer       string
	InResponseTo string
	SessionIndex string
	Attributes   map[string][]string
}

// Email resolves the asserted email address: an email-shaped NameID wins,
// otherwise the conventional mail attributes are consulted.
func (a *Assertion) Email() string {
	if strings.Contains(a.NameID, "@") {
		return auth.NormalizeEmail(a.NameID)
	}
	for _, key := range []string{
		"email",
		"mail",
		"emailaddress",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress",
		"urn:oid:0.9.2342.19200300.100.1.3",
	} {
		if values := a.attribute(key); len(values) > 0 {
			return auth.NormalizeEmail(values[0])
		}
	}
	return ""
}

// DisplayName resolves a display name from the conventional attributes,
// falling back to assembling given and surname.
func (a *Assertion) DisplayName() string {
	for _, key := range []string{
		"displayname",
		"name",
		"cn",
		"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name",
		"urn:oid:2.5.4.3",
	} {
		if values := a.attribute(key); len(values) > 0 {
			return values[0]
		}
	}

	given := a.attribute("givenname")
	if len(given) == 0 {
		given = a.attribute("urn:oid:2.5.4.42")
	}
	surname := a.attribute("sn")
	if len(surname) == 0 {
		surname = a.attribute("surname")
	}
	if len(surname) == 0 {
		surname = a.attribute("urn:oid:2.5.4.4")
	}

	parts := []string{}
	if len(given) > 0 {
		parts = append(parts, given[0])
	}
	if len(surname) > 0 {
		parts = append(parts, surname[0])
	}
	return strings.Join(parts, " ")
}

func (a *Assertion) attribute(name string) []string {
	for key, values := range a.Attributes {
		if strings.EqualFold(key, name) {
			return values
		}
	}
	return nil
}

// ParseResponse decodes and validates a base64 SAMLResponse. The status code
// is checked before any signature work so that IdP-reported failures surface
// as ErrProviderDenied rather than a signature error.
func (f *SAMLFlow) ParseResponse(settings *SAMLSettings, encodedResponse string) (*Assertion, error) {
	if !settings.Configured() {
		return nil, ErrNotConfigured
	}

	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(encodedResponse, "\n", ""))
	if err != nil {
		return nil, fmt.Errorf("failed to decode saml response: %w", err)
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(raw); err != nil {
		return nil, fmt.Errorf("failed to parse saml response: %w", err)
	}
	response := doc.Root()
	if response == nil || response.Tag != "Response" {
		return nil, fmt.Errorf("document root is not a saml response")
	}

	if err := checkStatus(response); err != nil {
		return nil, err
	}

	assertionEl := findChild(response, "Assertion")
	if assertionEl == nil {
		if findChild(response, "EncryptedAssertion") != nil {
			return nil, fmt.Errorf("encrypted assertions are not supported")
		}
		return nil, fmt.Errorf("response contains no assertion")
	}

	if err := f.verifySignatures(settings, response, assertionEl); err != nil {
		return nil, err
	}

	if err := f.checkValidityWindow(assertionEl); err != nil {
		return nil, err
	}

	return extractAssertion(response, assertionEl), nil
}

// VerifyRequestToken checks a signed request-binding token from the login
// redirect and returns the AuthnRequest ID it recorded.
func (f *SAMLFlow) VerifyRequestToken(token string) (string, error) {
	claims := &samlRequestClaims{}
	if err := f.tokens.ParseClaims(token, claims); err != nil {
		return "", ErrFlowExpired
	}
	return claims.RequestID, nil
}

func checkStatus(response *etree.Element) error {
	status := findChild(response, "Status")
	if status == nil {
		return fmt.Errorf("response has no status")
	}
	statusCode := findChild(status, "StatusCode")
	if statusCode == nil {
		return fmt.Errorf("response has no status code")
	}
	value := statusCode.SelectAttrValue("Value", "")
	if !strings.HasSuffix(value, statusSuccessSuffix) {
		return fmt.Errorf("%w: status %s", ErrProviderDenied, value)
	}
	return nil
}

func (f *SAMLFlow) checkValidityWindow(assertionEl *etree.Element) error {
	conditions := findChild(assertionEl, "Conditions")
	if conditions == nil {
		return nil
	}
	now := f.now()

	if raw := conditions.SelectAttrValue("NotBefore", ""); raw != "" {
		notBefore, err := parseSAMLTime(raw)
		if err != nil {
			return fmt.Errorf("invalid NotBefore: %w", err)
		}
		if now.Before(notBefore) {
			return ErrAssertionNotYetValid
		}
	}
	if raw := conditions.SelectAttrValue("NotOnOrAfter", ""); raw != "" {
		notOnOrAfter, err := parseSAMLTime(raw)
		if err != nil {
			return fmt.Errorf("invalid NotOnOrAfter: %w", err)
		}
		if !now.Before(notOnOrAfter) {
			return ErrAssertionExpired
		}
	}
	return nil
}

func extractAssertion(response, assertionEl *etree.Element) *Assertion {
	assertion := &Assertion{
		InResponseTo: response.SelectAttrValue("InResponseTo", ""),
		Attributes:   make(map[string][]string),
	}

	if issuer := findChild(assertionEl, "Issuer"); issuer != nil {
		assertion.Issuer = strings.TrimSpace(issuer.Text())
	}
	if subject := findChild(assertionEl, "Subject"); subject != nil {
		if nameID := findChild(subject, "NameID"); nameID != nil {
			assertion.NameID = strings.TrimSpace(nameID.Text())
		}
	}
	if authnStatement := findChild(assertionEl, "AuthnStatement"); authnStatement != nil {
		assertion.SessionIndex = authnStatement.SelectAttrValue("SessionIndex", "")
	}

	if attrStatement := findChild(assertionEl, "AttributeStatement"); attrStatement != nil {
		for _, attr := range attrStatement.ChildElements() {
			if attr.Tag != "Attribute" {
				continue
			}
			name := attr.SelectAttrValue("Name", "")
			if name == "" {
				name = attr.SelectAttrValue("FriendlyName", "")
			}
			if name == "" {
				continue
			}
			var values []string
			for _, valueEl := range attr.ChildElements() {
				if valueEl.Tag == "AttributeValue" {
					values = append(values, strings.TrimSpace(valueEl.Text()))
				}
			}
			assertion.Attributes[name] = values
		}
	}

	return assertion
}

// verifySignatures requires a valid signature on the assertion or on the
// response envelope. Both the reference digest and the signature over
// SignedInfo must verify; a single flipped byte in a signed attribute fails
// the digest check.
func (f *SAMLFlow) verifySignatures(settings *SAMLSettings, response, assertionEl *etree.Element) error {
	cert, err := parseCertificate(settings.Certificate)
	if err != nil && !settings.AllowUnsigned {
		return fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}

	assertionSig := findChild(assertionEl, "Signature")
	responseSig := findChild(response, "Signature")

	if assertionSig == nil && responseSig == nil {
		if settings.AllowUnsigned {
			return nil
		}
		return fmt.Errorf("%w: response and assertion are unsigned", ErrSignatureInvalid)
	}

	if assertionSig != nil {
		if err := verifySignature(cert, assertionEl, assertionSig); err != nil {
			return err
		}
		return nil
	}
	return verifySignature(cert, response, responseSig)
}

func verifySignature(pub *rsa.PublicKey, signedEl, signature *etree.Element) error {
	if pub == nil {
		return fmt.Errorf("%w: no verification certificate configured", ErrSignatureInvalid)
	}

	signedInfo := findChild(signature, "SignedInfo")
	if signedInfo == nil {
		return fmt.Errorf("%w: signature has no SignedInfo", ErrSignatureInvalid)
	}

	sigValueEl := findChild(signature, "SignatureValue")
	if sigValueEl == nil {
		return fmt.Errorf("%w: signature has no SignatureValue", ErrSignatureInvalid)
	}
	sigValue, err := base64.StdEncoding.DecodeString(strings.TrimSpace(sigValueEl.Text()))
	if err != nil {
		return fmt.Errorf("%w: malformed SignatureValue", ErrSignatureInvalid)
	}

	sigMethod := ""
	if methodEl := findChild(signedInfo, "SignatureMethod"); methodEl != nil {
		sigMethod = methodEl.SelectAttrValue("Algorithm", "")
	}

	if err := verifyReferenceDigest(signedEl, signature, signedInfo); err != nil {
		return err
	}

	canonicalSignedInfo, err := canonicalize(signedInfo)
	if err != nil {
		return fmt.Errorf("%w: failed to canonicalize SignedInfo", ErrSignatureInvalid)
	}

	var hashAlgo crypto.Hash
	var digest []byte
	switch sigMethod {
	case sigMethodRSASHA1:
		hashAlgo = crypto.SHA1
		sum := sha1.Sum(canonicalSignedInfo)
		digest = sum[:]
	case sigMethodRSASHA256, "":
		hashAlgo = crypto.SHA256
		sum := sha256.Sum256(canonicalSignedInfo)
		digest = sum[:]
	default:
		return fmt.Errorf("%w: unsupported signature method %s", ErrSignatureInvalid, sigMethod)
	}

	if err := rsa.VerifyPKCS1v15(pub, hashAlgo, digest, sigValue); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// verifyReferenceDigest recomputes the digest over the signed element with
// the enveloped signature removed and compares it to the Reference's
// DigestValue.
func verifyReferenceDigest(signedEl, signature, signedInfo *etree.Element) error {
	reference := findChild(signedInfo, "Reference")
	if reference == nil {
		return fmt.Errorf("%w: signature has no Reference", ErrSignatureInvalid)
	}

	uri := reference.SelectAttrValue("URI", "")
	if uri != "" && uri != "#"+signedEl.SelectAttrValue("ID", "") {
		return fmt.Errorf("%w: reference URI %s does not match signed element", ErrSignatureInvalid, uri)
	}

	digestValueEl := findChild(reference, "DigestValue")
	if digestValueEl == nil {
		return fmt.Errorf("%w: reference has no DigestValue", ErrSignatureInvalid)
	}
	expected, err := base64.StdEncoding.DecodeString(strings.TrimSpace(digestValueEl.Text()))
	if err != nil {
		return fmt.Errorf("%w: malformed DigestValue", ErrSignatureInvalid)
	}

	digestMethod := digestMethodSHA256
	if methodEl := findChild(reference, "DigestMethod"); methodEl != nil {
		if algo := methodEl.SelectAttrValue("Algorithm", ""); algo != "" {
			digestMethod = algo
		}
	}

	// Work on a detached copy so the envelope removal does not mutate the
	// document being parsed.
	copied := signedEl.Copy()
	for _, child := range copied.ChildElements() {
		if child.Tag == "Signature" {
			copied.RemoveChild(child)
			break
		}
	}

	canonical, err := canonicalize(copied)
	if err != nil {
		return fmt.Errorf("%w: failed to canonicalize signed element", ErrSignatureInvalid)
	}

	var actual []byte
	switch digestMethod {
	case digestMethodSHA1:
		sum := sha1.Sum(canonical)
		actual = sum[:]
	case digestMethodSHA256:
		sum := sha256.Sum256(canonical)
		actual = sum[:]
	default:
		return fmt.Errorf("%w: unsupported digest method %s", ErrSignatureInvalid, digestMethod)
	}

	if subtle.ConstantTimeCompare(expected, actual) != 1 {
		return fmt.Errorf("%w: digest mismatch", ErrSignatureInvalid)
	}
	return nil
}

// canonicalize applies exclusive XML canonicalization. The element is copied
// with the namespace declarations visible at its position so a detached
// subtree canonicalizes the same way it did inside the document.
func canonicalize(el *etree.Element) ([]byte, error) {
	detached := detachWithNamespaces(el)
	return dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("").Canonicalize(detached)
}

// detachWithNamespaces copies el and pulls down any namespace declarations
// inherited from ancestors that the copy would otherwise lose.
func detachWithNamespaces(el *etree.Element) *etree.Element {
	copied := el.Copy()

	declared := make(map[string]bool)
	for _, attr := range copied.Attr {
		if attr.Space == "xmlns" || (attr.Space == "" && attr.Key == "xmlns") {
			declared[attr.Key] = true
		}
	}

	for ancestor := el.Parent(); ancestor != nil; ancestor = ancestor.Parent() {
		for _, attr := range ancestor.Attr {
			if attr.Space == "xmlns" && !declared[attr.Key] {
				copied.CreateAttr("xmlns:"+attr.Key, attr.Value)
				declared[attr.Key] = true
			}
			if attr.Space == "" && attr.Key == "xmlns" && !declared["xmlns"] {
				copied.CreateAttr("xmlns", attr.Value)
				declared["xmlns"] = true
			}
		}
	}

	return copied
}

// parseCertificate accepts a PEM certificate or a bare base64 DER blob, as
// identity providers hand out both.
func parseCertificate(raw string) (*rsa.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("no certificate configured")
	}

	var der []byte
	if block, _ := pem.Decode([]byte(trimmed)); block != nil {
		der = block.Bytes
	} else {
		cleaned := strings.Map(func(r rune) rune {
			switch r {
			case ' ', '\n', '\r', '\t':
				return -1
			}
			return r
		}, trimmed)
		decoded, err := base64.StdEncoding.DecodeString(cleaned)
		if err != nil {
			return nil, fmt.Errorf("certificate is neither PEM nor base64 DER: %w", err)
		}
		der = decoded
	}

	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("certificate does not carry an RSA key")
	}
	return pub, nil
}

// findChild returns the first direct child with the given local tag name,
// regardless of namespace prefix.
func findChild(el *etree.Element, tag string) *etree.Element {
	for _, child := range el.ChildElements() {
		if child.Tag == tag {
			return child
		}
	}
	return nil
}

func parseSAMLTime(raw string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Parse("2006-01-02T15:04:05.999999999Z07:00", raw)
	}
	return t, nil
}

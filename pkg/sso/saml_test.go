package sso

import (
	"bytes"
	"compress/flate"
	"encoding/base64"
	"io"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/beevik/etree"
	dsig "github.com/russellhaering/goxmldsig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emissary-hq/emissary/pkg/auth"
)

func newTestSAMLFlow(t *testing.T) *SAMLFlow {
	t.Helper()
	tokens := auth.NewTokenService(testSecret, time.Hour, 2*time.Hour)
	return NewSAMLFlow(tokens, "https://app.example.com")
}

// testIdP holds a signing key store and the matching settings.
type testIdP struct {
	keyStore dsig.X509KeyStore
	settings *SAMLSettings
}

func newTestIdP(t *testing.T) *testIdP {
	t.Helper()
	keyStore := dsig.RandomKeyStoreForTest()
	_, certDER, err := keyStore.GetKeyPair()
	require.NoError(t, err)

	return &testIdP{
		keyStore: keyStore,
		settings: &SAMLSettings{
			Enabled:     true,
			EntityID:    "https://idp.example.org/metadata",
			SSOURL:      "https://idp.example.org/sso",
			Certificate: base64.StdEncoding.EncodeToString(certDER),
		},
	}
}

type responseOptions struct {
	nameID       string
	attributes   map[string][]string
	inResponseTo string
	notBefore    time.Time
	notOnOrAfter time.Time
	statusValue  string
	unsigned     bool
}

func defaultResponseOptions() responseOptions {
	now := time.Now().UTC()
	return responseOptions{
		nameID:       "ada@example.com",
		notBefore:    now.Add(-5 * time.Minute),
		notOnOrAfter: now.Add(5 * time.Minute),
		statusValue:  "urn:oasis:names:tc:SAML:2.0:status:Success",
	}
}

// buildResponse assembles and (unless opts.unsigned) signs a SAML response
// the way a real identity provider would.
func (idp *testIdP) buildResponse(t *testing.T, opts responseOptions) string {
	t.Helper()
	now := time.Now().UTC()

	assertion := etree.NewElement("saml:Assertion")
	assertion.CreateAttr("xmlns:saml", samlAssertionNS)
	assertion.CreateAttr("ID", "_assertion-1")
	assertion.CreateAttr("Version", "2.0")
	assertion.CreateAttr("IssueInstant", now.Format(time.RFC3339))

	issuer := assertion.CreateElement("saml:Issuer")
	issuer.SetText(idp.settings.EntityID)

	subject := assertion.CreateElement("saml:Subject")
	nameID := subject.CreateElement("saml:NameID")
	nameID.CreateAttr("Format", nameIDFormatEmail)
	nameID.SetText(opts.nameID)

	conditions := assertion.CreateElement("saml:Conditions")
	conditions.CreateAttr("NotBefore", opts.notBefore.Format(time.RFC3339))
	conditions.CreateAttr("NotOnOrAfter", opts.notOnOrAfter.Format(time.RFC3339))

	authnStatement := assertion.CreateElement("saml:AuthnStatement")
	authnStatement.CreateAttr("AuthnInstant", now.Format(time.RFC3339))
	authnStatement.CreateAttr("SessionIndex", "session-1")

	if len(opts.attributes) > 0 {
		attrStatement := assertion.CreateElement("saml:AttributeStatement")
		for name, values := range opts.attributes {
			attr := attrStatement.CreateElement("saml:Attribute")
			attr.CreateAttr("Name", name)
			for _, value := range values {
				valueEl := attr.CreateElement("saml:AttributeValue")
				valueEl.SetText(value)
			}
		}
	}

	signedAssertion := assertion
	if !opts.unsigned {
		signingCtx := dsig.NewDefaultSigningContext(idp.keyStore)
		signingCtx.Canonicalizer = dsig.MakeC14N10ExclusiveCanonicalizerWithPrefixList("")
		signed, err := signingCtx.SignEnveloped(assertion)
		require.NoError(t, err)
		signedAssertion = signed
	}

	response := etree.NewElement("samlp:Response")
	response.CreateAttr("xmlns:samlp", samlProtocolNS)
	response.CreateAttr("ID", "_response-1")
	response.CreateAttr("Version", "2.0")
	response.CreateAttr("IssueInstant", now.Format(time.RFC3339))
	if opts.inResponseTo != "" {
		response.CreateAttr("InResponseTo", opts.inResponseTo)
	}

	status := response.CreateElement("samlp:Status")
	statusCode := status.CreateElement("samlp:StatusCode")
	statusCode.CreateAttr("Value", opts.statusValue)

	response.AddChild(signedAssertion)

	doc := etree.NewDocument()
	doc.SetRoot(response)
	raw, err := doc.WriteToBytes()
	require.NoError(t, err)
	return base64.StdEncoding.EncodeToString(raw)
}

func TestBuildLoginRedirect(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	redirect, err := flow.BuildLoginRedirect(idp.settings, "/dashboard")
	require.NoError(t, err)

	parsed, err := url.Parse(redirect.URL)
	require.NoError(t, err)
	assert.Equal(t, "idp.example.org", parsed.Host)
	assert.Equal(t, "/dashboard", parsed.Query().Get("RelayState"))

	// The request travels raw-deflated and base64 encoded.
	compressed, err := base64.StdEncoding.DecodeString(parsed.Query().Get("SAMLRequest"))
	require.NoError(t, err)
	inflated, err := io.ReadAll(flate.NewReader(bytes.NewReader(compressed)))
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(inflated))
	request := doc.Root()
	require.Equal(t, "AuthnRequest", request.Tag)
	assert.True(t, strings.HasPrefix(request.SelectAttrValue("ID", ""), "_"))
	assert.Equal(t, "https://idp.example.org/sso", request.SelectAttrValue("Destination", ""))
	assert.Equal(t, "https://app.example.com/auth/saml/callback", request.SelectAttrValue("AssertionConsumerServiceURL", ""))

	requestID, err := flow.VerifyRequestToken(redirect.RequestToken)
	require.NoError(t, err)
	assert.Equal(t, request.SelectAttrValue("ID", ""), requestID)
}

func TestBuildLoginRedirectNotConfigured(t *testing.T) {
	flow := newTestSAMLFlow(t)
	_, err := flow.BuildLoginRedirect(&SAMLSettings{}, "")
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestMetadata(t *testing.T) {
	flow := newTestSAMLFlow(t)
	metadata, err := flow.Metadata()
	require.NoError(t, err)

	doc := etree.NewDocument()
	require.NoError(t, doc.ReadFromBytes(metadata))
	root := doc.Root()
	assert.Equal(t, "EntityDescriptor", root.Tag)
	assert.Equal(t, "https://app.example.com/auth/saml/metadata", root.SelectAttrValue("entityID", ""))
	assert.Contains(t, string(metadata), "https://app.example.com/auth/saml/callback")
}

func TestParseResponseSigned(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.inResponseTo = "_request-7"
	opts.attributes = map[string][]string{
		"urn:oid:2.5.4.42": {"Ada"},
		"urn:oid:2.5.4.4":  {"Lovelace"},
	}

	assertion, err := flow.ParseResponse(idp.settings, idp.buildResponse(t, opts))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", assertion.NameID)
	assert.Equal(t, "ada@example.com", assertion.Email())
	assert.Equal(t, "Ada Lovelace", assertion.DisplayName())
	assert.Equal(t, idp.settings.EntityID, assertion.Issuer)
	assert.Equal(t, "_request-7", assertion.InResponseTo)
	assert.Equal(t, "session-1", assertion.SessionIndex)
}

func TestParseResponseTamperedAttribute(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.attributes = map[string][]string{"mail": {"ada@example.com"}}
	encoded := idp.buildResponse(t, opts)

	raw, err := base64.StdEncoding.DecodeString(encoded)
	require.NoError(t, err)
	tampered := strings.Replace(string(raw), "ada@example.com", "eve@example.com", 1)
	require.NotEqual(t, string(raw), tampered, "fixture must contain the attribute")

	_, err = flow.ParseResponse(idp.settings, base64.StdEncoding.EncodeToString([]byte(tampered)))
	assert.ErrorIs(t, err, ErrSignatureInvalid, "a single changed byte must fail verification")
}

func TestParseResponseWrongCertificate(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)
	other := newTestIdP(t)

	// Signed by one IdP, verified against another's certificate.
	settings := *idp.settings
	settings.Certificate = other.settings.Certificate

	_, err := flow.ParseResponse(&settings, idp.buildResponse(t, defaultResponseOptions()))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestParseResponseStatusFailure(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.statusValue = "urn:oasis:names:tc:SAML:2.0:status:Requester"
	opts.unsigned = true

	// The status is checked before any signature work.
	_, err := flow.ParseResponse(idp.settings, idp.buildResponse(t, opts))
	assert.ErrorIs(t, err, ErrProviderDenied)
}

func TestParseResponseExpired(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.notBefore = time.Now().UTC().Add(-time.Hour)
	opts.notOnOrAfter = time.Now().UTC().Add(-30 * time.Minute)

	_, err := flow.ParseResponse(idp.settings, idp.buildResponse(t, opts))
	assert.ErrorIs(t, err, ErrAssertionExpired)
}

func TestParseResponseNotYetValid(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.notBefore = time.Now().UTC().Add(30 * time.Minute)
	opts.notOnOrAfter = time.Now().UTC().Add(time.Hour)

	_, err := flow.ParseResponse(idp.settings, idp.buildResponse(t, opts))
	assert.ErrorIs(t, err, ErrAssertionNotYetValid)
}

func TestParseResponseUnsignedRejected(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	opts := defaultResponseOptions()
	opts.unsigned = true

	_, err := flow.ParseResponse(idp.settings, idp.buildResponse(t, opts))
	assert.ErrorIs(t, err, ErrSignatureInvalid)
}

func TestParseResponseUnsignedAllowedByOptIn(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	settings := *idp.settings
	settings.AllowUnsigned = true

	opts := defaultResponseOptions()
	opts.unsigned = true

	assertion, err := flow.ParseResponse(&settings, idp.buildResponse(t, opts))
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", assertion.NameID)
}

func TestParseResponseMalformed(t *testing.T) {
	flow := newTestSAMLFlow(t)
	idp := newTestIdP(t)

	_, err := flow.ParseResponse(idp.settings, "not base64 at all!!!")
	assert.Error(t, err)

	_, err = flow.ParseResponse(idp.settings, base64.StdEncoding.EncodeToString([]byte("<not-saml/>")))
	assert.Error(t, err)
}

func TestAssertionEmailFromAttributes(t *testing.T) {
	assertion := &Assertion{
		NameID: "opaque-id-123",
		Attributes: map[string][]string{
			"urn:oid:0.9.2342.19200300.100.1.3": {"Grace@Example.com"},
		},
	}
	assert.Equal(t, "grace@example.com", assertion.Email())
}

func TestAssertionEmailMissing(t *testing.T) {
	assertion := &Assertion{NameID: "opaque-id-123", Attributes: map[string][]string{}}
	assert.Empty(t, assertion.Email())
}

func TestAssertionDisplayNamePrecedence(t *testing.T) {
	assertion := &Assertion{Attributes: map[string][]string{
		"displayName": {"Ada Lovelace"},
		"givenName":   {"Ada"},
		"sn":          {"Lovelace"},
	}}
	assert.Equal(t, "Ada Lovelace", assertion.DisplayName())
}

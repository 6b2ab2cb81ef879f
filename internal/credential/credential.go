// Package credential defines the boundary between this system and the
// platform's WebAuthn authenticator, kept as an injected capability
// interface (rather than a concrete browser/platform call) so the
// orchestrator and VRF Worker can be exercised deterministically in tests.
//
// Grounded on the capability-injection pattern the teacher applies to its
// own platform-facing seams (e.g. infrastructure/accountpool's TEE key
// provider abstraction): ambient platform access is never called directly
// from business logic, it is received as an interface value.
package credential

import (
	"context"

	"github.com/nearkey/signer-core/internal/svcerr"
)

// CreationOptions mirrors the fields of a WebAuthn
// PublicKeyCredentialCreationOptions relevant to this system.
type CreationOptions struct {
	RPID             string
	RPName           string
	UserID           []byte
	UserName         string
	UserDisplayName  string
	Challenge        []byte
	PRFSaltSignature []byte // PRF extension salt, first evaluation input
	PRFSaltVRF       []byte // PRF extension salt, second evaluation input
	TimeoutMillis    int64
}

// RequestOptions mirrors the fields of a WebAuthn
// PublicKeyCredentialRequestOptions relevant to this system.
type RequestOptions struct {
	RPID             string
	Challenge        []byte
	AllowCredentials [][]byte
	PRFSaltSignature []byte
	PRFSaltVRF       []byte
	TimeoutMillis    int64
}

// Attestation is the result of a successful credential creation ceremony.
type Attestation struct {
	CredentialID        []byte
	CredentialPublicKey []byte
	PRFOutputSignature  []byte
	PRFOutputVRF        []byte
	Transports          []string
}

// Assertion is the result of a successful credential request (authentication)
// ceremony.
type Assertion struct {
	CredentialID       []byte
	AuthenticatorData  []byte
	ClientDataJSON     []byte
	Signature          []byte
	PRFOutputSignature []byte
	PRFOutputVRF       []byte
}

// Provider is the capability interface to a platform's WebAuthn
// authenticator. The orchestrator, VRF Worker, and device-linking state
// machine depend on this interface, never on a concrete browser API, so
// they can run against Fixture in tests and against a real platform bridge
// in production.
type Provider interface {
	CreateCredential(ctx context.Context, opts CreationOptions) (Attestation, error)
	GetAssertion(ctx context.Context, opts RequestOptions) (Assertion, error)
}

// Fixture is a deterministic Provider used by tests: it never touches a
// real authenticator, and derives stable outputs from the challenge and PRF
// salt bytes so repeated calls in a test are reproducible.
type Fixture struct {
	// CredentialID is returned by both CreateCredential and GetAssertion.
	CredentialID []byte
	// Deny, if set, causes both ceremonies to fail with CodeCredentialDenied.
	Deny bool
}

func (f *Fixture) CreateCredential(_ context.Context, opts CreationOptions) (Attestation, error) {
	if f.Deny {
		return Attestation{}, svcerr.New(svcerr.CodeCredentialDenied, "fixture denies credential creation")
	}
	return Attestation{
		CredentialID:        f.credentialID(),
		CredentialPublicKey: derive(opts.Challenge, "pubkey"),
		PRFOutputSignature:  derive(opts.PRFSaltSignature, "prf-sig"),
		PRFOutputVRF:        derive(opts.PRFSaltVRF, "prf-vrf"),
		Transports:          []string{"internal"},
	}, nil
}

func (f *Fixture) GetAssertion(_ context.Context, opts RequestOptions) (Assertion, error) {
	if f.Deny {
		return Assertion{}, svcerr.New(svcerr.CodeCredentialDenied, "fixture denies credential request")
	}
	return Assertion{
		CredentialID:       f.credentialID(),
		AuthenticatorData:  derive(opts.Challenge, "authdata"),
		ClientDataJSON:     derive(opts.Challenge, "clientdata"),
		Signature:          derive(opts.Challenge, "sig"),
		PRFOutputSignature: derive(opts.PRFSaltSignature, "prf-sig"),
		PRFOutputVRF:       derive(opts.PRFSaltVRF, "prf-vrf"),
	}, nil
}

func (f *Fixture) credentialID() []byte {
	if f.CredentialID != nil {
		return f.CredentialID
	}
	return []byte("fixture-credential-id")
}

// derive produces a stable 32-byte value from input and a label, standing
// in for the platform's real PRF evaluation in tests. Not used outside
// Fixture.
func derive(input []byte, label string) []byte {
	out := make([]byte, 32)
	seed := append([]byte(label+":"), input...)
	for i := range out {
		out[i] = seed[i%len(seed)] ^ byte(i)
	}
	return out
}

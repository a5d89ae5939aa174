package crypto

import "github.com/drand/kyber"

// Sign returns a Schnorr signature of msg.
func Sign(priv kyber.Scalar, msg []byte) ([]byte, error) {
	return AuthScheme.Sign(priv, msg)
}

// Verify checks a signature produced by Sign.
func Verify(pub kyber.Point, msg, sig []byte) error {
	return AuthScheme.Verify(pub, msg, sig)
}

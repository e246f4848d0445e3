package crypto

import (
	"encoding/asn1"
	"math/big"

	"github.com/uplo-tech/errors"
)

// ecdsaSignature is the ASN.1 SEQUENCE{r,s} wire format for an ECDSA
// signature, per spec.md §4.2 ("signatures whose DER/r,s encoding does
// not match the established format on the wire fail with BadFormat").
type ecdsaSignature struct {
	R, S *big.Int
}

func marshalECDSASignature(r, s *big.Int) ([]byte, error) {
	der, err := asn1.Marshal(ecdsaSignature{R: r, S: s})
	if err != nil {
		return nil, errors.AddContext(err, "could not DER-encode signature")
	}
	return der, nil
}

func unmarshalECDSASignature(der []byte) (r, s *big.Int, err error) {
	var sig ecdsaSignature
	rest, err := asn1.Unmarshal(der, &sig)
	if err != nil {
		return nil, nil, errors.Compose(ErrBadFormat, err)
	}
	if len(rest) != 0 {
		return nil, nil, errors.AddContext(ErrBadFormat, "trailing data after signature")
	}
	if sig.R == nil || sig.S == nil || sig.R.Sign() <= 0 || sig.S.Sign() <= 0 {
		return nil, nil, errors.AddContext(ErrBadFormat, "signature contains invalid r/s values")
	}
	return sig.R, sig.S, nil
}

package adaptor

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/klingon-exchange/tanos/pkg/secp"
)

func secpToBtcec(x *secp.Scalar) (*btcec.PrivateKey, *btcec.PublicKey) {
	return btcec.PrivKeyFromBytes(secp.ScalarBytes(x))
}

package claim

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/fxamacker/cbor/v2"
)

// wireRecord is the CBOR-serializable shape of Record. Amount is carried as
// a decimal string since CBOR has no portable arbitrary-precision integer
// tag guaranteed across decoders.
type wireRecord struct {
	CreatedAt int64  `cbor:"1,keyasint"`
	Target    string `cbor:"2,keyasint"`
	Amount    string `cbor:"3,keyasint"`
	Session   string `cbor:"4,keyasint"`
}

var encMode = func() cbor.EncMode {
	opts := cbor.CoreDetEncOptions()
	mode, err := opts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("claim: building cbor encode mode: %v", err))
	}
	return mode
}()

// Encode serializes r to its deterministic CBOR wire form.
func Encode(r Record) ([]byte, error) {
	amount := "0"
	if r.Amount != nil {
		amount = r.Amount.String()
	}
	return encMode.Marshal(wireRecord{
		CreatedAt: r.CreatedAt.UTC().UnixMilli(),
		Target:    r.Target.Hex(),
		Amount:    amount,
		Session:   r.Session,
	})
}

// Decode reconstructs a Record from its CBOR wire form.
func Decode(data []byte) (Record, error) {
	var w wireRecord
	if err := cbor.Unmarshal(data, &w); err != nil {
		return Record{}, fmt.Errorf("decode claim record: %w", err)
	}
	amount, ok := new(big.Int).SetString(w.Amount, 10)
	if !ok {
		return Record{}, fmt.Errorf("decode claim record: invalid amount %q", w.Amount)
	}
	return Record{
		CreatedAt: time.UnixMilli(w.CreatedAt).UTC(),
		Target:    common.HexToAddress(w.Target),
		Amount:    amount,
		Session:   w.Session,
	}, nil
}

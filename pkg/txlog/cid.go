package txlog

import (
	"encoding/json"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multicodec"
	mh "github.com/multiformats/go-multihash"

	"github.com/relves/socialrecovery/pkg/ledger"
)

// ComputeCID returns the CIDv1 of JSON-encoded data using SHA2-256.
func ComputeCID(data []byte) (string, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return "", err
	}
	return cid.NewCidV1(uint64(multicodec.Json), hash).String(), nil
}

// CallID is the content ID of a call tree. Identical calls, however they
// were composed, share an ID.
func CallID(call *ledger.Call) (string, error) {
	if call == nil {
		return "", fmt.Errorf("nil call")
	}
	data, err := json.Marshal(call)
	if err != nil {
		return "", fmt.Errorf("encode call: %w", err)
	}
	return ComputeCID(data)
}

// ParseCallID checks that s is a JSON-codec CID and returns its digest.
func ParseCallID(s string) (mh.Multihash, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return nil, err
	}
	if c.Prefix().Codec != uint64(multicodec.Json) {
		return nil, fmt.Errorf("unexpected codec %s", multicodec.Code(c.Prefix().Codec))
	}
	return c.Hash(), nil
}

package persist

import (
	"crypto/sha256"
	"encoding/json"
	"hash"
	"io"
)

func sha256New() hash.Hash {
	return sha256.New()
}

func jsonDecode(r io.Reader, v interface{}) error {
	return json.NewDecoder(r).Decode(v)
}

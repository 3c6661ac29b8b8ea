package soft

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"fmt"
	"io"

	"github.com/awnumar/memguard"
	"github.com/fxamacker/cbor/v2"
	"github.com/gematik/zero-ekmf/pkg/backend"
)

const (
	blobVersion = 2
	nonceSize   = 12
)

var blobMagic = []byte("EKSB")

type recordKind string

const (
	kindEC        recordKind = "ec"
	kindRSA       recordKind = "rsa"
	kindSymmetric recordKind = "sym"
)

// record is the plaintext content of a sealed key blob.
type record struct {
	Kind   recordKind `cbor:"1,keyasint"`
	Curve  string     `cbor:"2,keyasint,omitempty"`
	Secret []byte     `cbor:"3,keyasint"`
}

func (r *record) wipe() {
	memguard.WipeBytes(r.Secret)
}

func headerSize() int {
	return len(blobMagic) + 1 + nonceSize
}

// seal encrypts rec under the master key held in enclave.
// Layout: magic | version | nonce | AES-256-GCM(cbor(record)).
func seal(enclave *memguard.Enclave, rec *record) (backend.KeyBlob, error) {
	if enclave == nil {
		return nil, backend.ErrMasterKeyNotLoaded
	}
	plain, err := cbor.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode key record: %w", err)
	}
	defer memguard.WipeBytes(plain)

	aead, err := openAEAD(enclave)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize())
	header = append(header, blobMagic...)
	header = append(header, blobVersion)
	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	header = append(header, nonce...)

	blob := aead.Seal(header, nonce, plain, header[:len(blobMagic)+1])
	if err := backend.CheckSize(blob); err != nil {
		return nil, err
	}
	return backend.KeyBlob(blob), nil
}

// unseal decrypts a blob produced by seal. The caller must wipe the record.
func unseal(enclave *memguard.Enclave, blob backend.KeyBlob) (*record, error) {
	if enclave == nil {
		return nil, backend.ErrMasterKeyNotLoaded
	}
	if len(blob) <= headerSize() || !bytes.Equal(blob[:len(blobMagic)], blobMagic) {
		return nil, backend.ErrInvalidKeyBlob
	}
	if blob[len(blobMagic)] != blobVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", backend.ErrInvalidKeyBlob, blob[len(blobMagic)])
	}

	aead, err := openAEAD(enclave)
	if err != nil {
		return nil, err
	}
	nonce := blob[len(blobMagic)+1 : headerSize()]
	plain, err := aead.Open(nil, nonce, blob[headerSize():], blob[:len(blobMagic)+1])
	if err != nil {
		// wrong master key or tampered blob
		return nil, fmt.Errorf("%w: %v", backend.ErrInvalidKeyBlob, err)
	}
	defer memguard.WipeBytes(plain)

	rec := new(record)
	if err := cbor.Unmarshal(plain, rec); err != nil {
		return nil, fmt.Errorf("%w: decode record: %v", backend.ErrInvalidKeyBlob, err)
	}
	return rec, nil
}

func openAEAD(enclave *memguard.Enclave) (cipher.AEAD, error) {
	key, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open master key: %w", err)
	}
	defer key.Destroy()

	block, err := aes.NewCipher(key.Bytes())
	if err != nil {
		return nil, fmt.Errorf("master key cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

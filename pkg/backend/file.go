package backend

import (
	"fmt"
	"io"
	"os"
)

// ReadKeyBlob reads a key blob file, refusing files larger than MaxKeyBlobSize.
func ReadKeyBlob(path string) (KeyBlob, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open key blob: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, MaxKeyBlobSize+1))
	if err != nil {
		return nil, fmt.Errorf("read key blob: %w", err)
	}
	if err := CheckSize(data); err != nil {
		return nil, fmt.Errorf("read key blob %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("read key blob %s: %w", path, ErrInvalidKeyBlob)
	}
	return KeyBlob(data), nil
}

// WriteKeyBlob writes blob to path readable by the owner only.
func WriteKeyBlob(path string, blob KeyBlob) error {
	if err := CheckSize(blob); err != nil {
		return err
	}
	if err := os.WriteFile(path, blob, 0600); err != nil {
		return fmt.Errorf("write key blob: %w", err)
	}
	return nil
}

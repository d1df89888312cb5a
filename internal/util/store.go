package util

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// ErrMalformed wraps decode failures of an on-disk JSON document.
var ErrMalformed = errors.New("malformed json document")

// SaveJSON writes v as indented JSON to path atomically. A best-effort
// copy of the previous document is kept at path+".bak".
func SaveJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if prev, err := os.ReadFile(path); err == nil && json.Valid(prev) {
		_ = WriteFileAtomic(path+".bak", prev, 0o600)
	}
	return WriteFileAtomic(path, b, 0o600)
}

// LoadJSON decodes path into v. It returns os.ErrNotExist (wrapped) when the
// file is absent, and ErrMalformed when neither the file nor its .bak decodes.
func LoadJSON(path string, v any) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	derr := json.Unmarshal(b, v)
	if derr == nil {
		return nil
	}
	if bak, err := os.ReadFile(path + ".bak"); err == nil && json.Unmarshal(bak, v) == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %v", ErrMalformed, path, derr)
}

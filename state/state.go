// Package state persists small state records atomically.
package state

import (
	"bytes"
	"fmt"
	"os"

	"github.com/natefinch/atomic"
	xdr "github.com/nullstyle/go-xdr/xdr3"
)

func Persist(filename string, v any) error {
	var w bytes.Buffer
	_, err := xdr.Marshal(&w, v)
	if err != nil {
		return fmt.Errorf("serializing: %w", err)
	}

	if err := atomic.WriteFile(filename, &w); err != nil {
		return fmt.Errorf("writing to disk: %w", err)
	}

	return nil
}

func Load(filename string, v any) error {
	data, err := os.ReadFile(filename) //#nosec G304
	if err != nil {
		return fmt.Errorf("loading file: %w", err)
	}

	if _, err := xdr.Unmarshal(bytes.NewReader(data), v); err != nil {
		return fmt.Errorf("deserializing: %w", err)
	}

	return nil
}

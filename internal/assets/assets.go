// Package assets supplies the bytes of the probe binary for a CPU ABI.
// Staging into private storage is the bootstrapper's job; a Provider only
// opens a stream.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// ABI is a supported CPU binary interface family.
type ABI string

const (
	ABIArm64  ABI = "arm64"
	ABIX86_64 ABI = "x86_64"
)

// Supported lists the recognized ABIs in preference order.
var Supported = []ABI{ABIArm64, ABIX86_64}

// ErrAssetNotFound is returned when no probe binary exists for an ABI.
var ErrAssetNotFound = errors.New("probe asset not found")

// ErrUnsupportedABI is returned by AssetName for an unknown ABI.
var ErrUnsupportedABI = errors.New("unsupported ABI")

// AssetName maps an ABI to the file name of its probe binary.
func AssetName(abi ABI) (string, error) {
	switch abi {
	case ABIArm64:
		return "probe_arm64", nil
	case ABIX86_64:
		return "probe_x64", nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedABI, abi)
	}
}

// Provider opens the probe binary for an ABI. The caller closes the stream.
type Provider interface {
	Open(ctx context.Context, abi ABI) (io.ReadCloser, error)
}

// DirProvider serves probe binaries from a local directory, typically the
// package install location.
type DirProvider struct {
	Dir string
}

// NewDirProvider returns a provider rooted at dir.
func NewDirProvider(dir string) *DirProvider {
	return &DirProvider{Dir: dir}
}

func (p *DirProvider) Open(_ context.Context, abi ABI) (io.ReadCloser, error) {
	name, err := AssetName(abi)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(p.Dir, name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s in %s", ErrAssetNotFound, name, p.Dir)
		}
		return nil, fmt.Errorf("open asset: %w", err)
	}
	return f, nil
}

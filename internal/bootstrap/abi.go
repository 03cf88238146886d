package bootstrap

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/doughall/rootprobe/internal/assets"
)

// ABIResolver reports the CPU ABI names of the running system, most
// specific first.
type ABIResolver func() ([]string, error)

// HostABIs asks the kernel for its architecture and adds the architecture
// this binary was built for.
func HostABIs() ([]string, error) {
	arch, err := host.KernelArch()
	if err != nil {
		return []string{runtime.GOARCH}, nil
	}
	return []string{arch, runtime.GOARCH}, nil
}

// StaticABIs returns a resolver for a configured override.
func StaticABIs(names ...string) ABIResolver {
	return func() ([]string, error) { return names, nil }
}

// SelectABI picks the probe ABI for the reported names. arm64 wins over
// x86_64 when both are present; anything else is unsupported.
func SelectABI(names []string) (assets.ABI, error) {
	matches := map[assets.ABI][]string{
		assets.ABIArm64:  {"arm64", "aarch64"},
		assets.ABIX86_64: {"x86_64", "amd64", "x86-64"},
	}
	for _, abi := range assets.Supported {
		for _, name := range names {
			name = strings.ToLower(name)
			for _, token := range matches[abi] {
				if strings.Contains(name, token) {
					return abi, nil
				}
			}
		}
	}
	return "", fmt.Errorf("%w: %s", assets.ErrUnsupportedABI, strings.Join(names, ", "))
}

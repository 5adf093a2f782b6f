package script

import (
	"errors"
	"fmt"
)

// DefaultSSHPort is never revoked, whatever a host's management port is.
const DefaultSSHPort = 22

// ErrManagementPort is returned when a revocation would cover the port the
// host is administered through.
var ErrManagementPort = errors.New("refusing to revoke the management port")

// CheckRevocation parses spec and refuses it when any port or range covers one
// of the protected ports.
func CheckRevocation(spec string, protected ...int) error {
	ranges, err := ParsePortSpec(spec)
	if err != nil {
		return err
	}
	for _, r := range ranges {
		for _, p := range protected {
			if p > 0 && r.Contains(p) {
				return fmt.Errorf("%w: %s covers port %d", ErrManagementPort, r, p)
			}
		}
	}
	return nil
}

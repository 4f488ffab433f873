package imagebroker

import "context"

// LicenseChecker gates credit-ledger mode. Implementations may consult a
// license server; the broker only asks for a boolean.
type LicenseChecker interface {
	Licensed(ctx context.Context) bool
}

type staticLicense bool

func (s staticLicense) Licensed(context.Context) bool { return bool(s) }

// StaticLicense returns a LicenseChecker with a fixed answer. Useful for
// tests and for deployments where validity is established out of band.
func StaticLicense(valid bool) LicenseChecker { return staticLicense(valid) }

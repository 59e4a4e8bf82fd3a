package audit

import (
	"fmt"
	"slices"
	"strings"

	"staffportal.org/internal/auth"
)

// Access describes a request that may touch PHI.
type Access struct {
	Resource     string
	ResourceID   string
	Path         string
	Fields       map[string]string
	AccessReason string
}

// HIPAAOptions configure PHI detection.
type HIPAAOptions struct {
	// PHIFields are request fields that identify a patient or record.
	PHIFields []string
	// PHIResources are resources whose every identified access is PHI.
	PHIResources []string
	// PathPrefixes mark whole endpoint trees as PHI.
	PathPrefixes []string
	// Detect, when set, replaces the built-in detection.
	Detect func(Access) (bool, error)
}

// DefaultPHIResources are the record types that hold PHI.
var DefaultPHIResources = []string{"patients", "authorizations", "medical-records"}

// CheckHIPAACompliance reports whether a touches PHI and, if it does, requires
// a non-blank access reason. A detection failure is returned as a plain error
// so callers fail closed.
func CheckHIPAACompliance(a Access, opts HIPAAOptions) (bool, error) {
	phi, err := containsPHI(a, opts)
	if err != nil {
		return false, fmt.Errorf("audit: phi detection: %w", err)
	}
	if phi && strings.TrimSpace(a.AccessReason) == "" {
		return true, auth.HIPAAViolation("Access reason required for protected health information")
	}
	return phi, nil
}

func containsPHI(a Access, opts HIPAAOptions) (bool, error) {
	if opts.Detect != nil {
		return opts.Detect(a)
	}
	for _, f := range opts.PHIFields {
		if strings.TrimSpace(a.Fields[f]) != "" {
			return true, nil
		}
	}
	if a.ResourceID != "" && slices.Contains(opts.PHIResources, strings.ToLower(a.Resource)) {
		return true, nil
	}
	for _, p := range opts.PathPrefixes {
		if p != "" && strings.HasPrefix(a.Path, p) {
			return true, nil
		}
	}
	return false, nil
}

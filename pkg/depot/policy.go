package depot

// WritePolicy is a repository's base rule set for mutations.
type WritePolicy string

const (
	// WritePolicyAllow permits create, update and delete.
	WritePolicyAllow WritePolicy = "ALLOW"

	// WritePolicyAllowOnce permits create and delete but denies update:
	// content may be deployed once and removed, never redeployed in place.
	WritePolicyAllowOnce WritePolicy = "ALLOW_ONCE"

	// WritePolicyDeny makes the repository read-only.
	WritePolicyDeny WritePolicy = "DENY"
)

// CheckCreateAllowed reports whether new content may be created.
func (p WritePolicy) CheckCreateAllowed() bool {
	return p == WritePolicyAllow || p == WritePolicyAllowOnce
}

// CheckUpdateAllowed reports whether existing content may be replaced.
func (p WritePolicy) CheckUpdateAllowed() bool {
	return p == WritePolicyAllow
}

// CheckDeleteAllowed reports whether content may be deleted.
func (p WritePolicy) CheckDeleteAllowed() bool {
	return p == WritePolicyAllow || p == WritePolicyAllowOnce
}

// WritePolicySelector computes the effective write policy for one asset,
// possibly overriding the repository's base policy (e.g. by format or path).
type WritePolicySelector interface {
	Select(asset *Asset, base WritePolicy) WritePolicy
}

// DefaultWritePolicySelector applies the base policy to every asset.
type DefaultWritePolicySelector struct{}

func (DefaultWritePolicySelector) Select(asset *Asset, base WritePolicy) WritePolicy {
	return base
}

package replica

import "github.com/pkg/errors"

// Sentinel-style invariant-violation errors (spec §7 class 3: "indicate a
// bug or a malicious peer"). Expected protocol anomalies (class 1) and
// catch-up conditions (class 2) are never returned as errors from the
// handlers below — they are silently absorbed (dropped, or turned into a
// Recovery transition) exactly as §7 prescribes, since surfacing them as
// Go errors would make ordinary message loss indistinguishable from an
// actual bug at the call site.
var (
	errMissingLogEntry      = errors.New("replica: invariant violation: missing log entry at expected commit position")
	errUnknownPrepareOk     = errors.New("replica: invariant violation: PrepareOk for an op number never prepared")
	errStateTransferMisalign = errors.New("replica: invariant violation: NewState left log length mismatched with op_number_end")
)

package capacity

import "github.com/drwave/drwave/internal/core/domain"

// Utilisation ratios at which each status band begins. A count exactly on
// a boundary belongs to the higher band (200 of 300 is INFO, not OK).
const (
	infoRatio          = 2.0 / 3.0
	warningRatio       = 0.75
	criticalRatio      = 0.83
	hyperCriticalRatio = 0.93
)

// StatusFor classifies a replicating-server count against the per-region
// limit.
func StatusFor(replicating, limit int) domain.CapacityStatus {
	if limit <= 0 {
		return domain.CapacityOK
	}
	ratio := float64(replicating) / float64(limit)
	switch {
	case ratio >= hyperCriticalRatio:
		return domain.CapacityHyperCritical
	case ratio >= criticalRatio:
		return domain.CapacityCritical
	case ratio >= warningRatio:
		return domain.CapacityWarning
	case ratio >= infoRatio:
		return domain.CapacityInfo
	default:
		return domain.CapacityOK
	}
}

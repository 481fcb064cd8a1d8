package nvmepcie

import "github.com/nvmepcie/nvmepcie/internal/constants"

// Re-exported defaults for public API callers that do not need to import
// internal/constants directly.
const (
	PageSize              = constants.PageSize
	AdminQueueID          = constants.AdminQueueID
	AdminQueueEntries     = constants.AdminQueueEntries
	AdminTrackerCount     = constants.AdminTrackerCount
	DefaultIOQueueEntries = constants.DefaultIOQueueEntries
	MaxIOTrackerCount     = constants.MaxIOTrackerCount
	GlobalRetryLimit      = constants.GlobalRetryLimit
)

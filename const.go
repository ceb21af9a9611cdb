package provisionagent

import (
	"github.com/httprunner/ProvisionAgent/internal/config"
	"github.com/httprunner/ProvisionAgent/pkg/record"
)

// Environment variable names callers may set before LoadSettings. The full
// list of bound keys lives in internal/config.
const (
	EnvConfigFile   = config.EnvConfigFile
	EnvDatabasePath = "PROVISION_DB_PATH"
	EnvSecretKey    = "PROVISION_SECRET_KEY"
	EnvCallbackURL  = "PROVISION_CALLBACK_URL"
	EnvVPNAuthKey   = "PROVISION_VPN_AUTH_KEY"
)

// Task status values, re-exported so callers can depend on the root package
// only.
const (
	StatusPending = record.StatusPending
	StatusRunning = record.StatusRunning
	StatusSuccess = record.StatusSuccess
	StatusFailed  = record.StatusFailed

	BulkPending      = record.BulkPending
	BulkProvisioning = record.BulkProvisioning
	BulkCompleted    = record.BulkCompleted
	BulkFailed       = record.BulkFailed

	TotalSteps = record.TotalSteps
)

// CancelledByOperator is the error message written by Service.Cancel.
const CancelledByOperator = "Cancelled by operator"

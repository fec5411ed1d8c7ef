package points

import "time"

const (
	operationSpend     = "spend"
	operationEarn      = "earn"
	operationBootstrap = "bootstrap"

	operationStatusOK       = "ok"
	operationStatusReplayed = "replayed"
	operationStatusError    = "error"

	defaultListLimit = 50
	maxListLimit     = 200

	maxIdempotencyKeyLength = 128
	maxDescriptionLength    = 500

	defaultRetryAttempts = 3
	defaultRetryBackoff  = 25 * time.Millisecond

	generatedKeyPrefixEarn      = "earn:"
	generatedKeyPrefixBootstrap = "signup:"
)

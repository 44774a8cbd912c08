// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Package logger provides structured JSON logging for the Conduit metering
services.

Every entry is written as a single JSON line carrying the component name,
the deployment instance, the container hostname, and when known the account
and request the entry belongs to:

	log := logger.New("gateway")
	log.Info(accountID, requestID, "generation admitted", map[string]interface{}{
	    "completion_limit": 512,
	})

Security relevant events (rejected webhook signatures, ownership mismatches)
are logged with an error code so they can be filtered downstream:

	log.WarnWithCode("", requestID, "webhook signature rejected", "WEBHOOK_SIGNATURE_INVALID", err, nil)

# Environment Variables

  - INSTANCE_ID: deployment instance identifier (defaults to "unknown")
  - HOSTNAME: container hostname (auto-detected)

Logger instances are safe for concurrent use.
*/
package logger

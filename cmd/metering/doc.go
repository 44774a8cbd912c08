// Copyright 2025 AxonFlow
// SPDX-License-Identifier: BUSL-1.1

/*
Command metering runs the Conduit usage-metering gateway.

The gateway prices every text generation request against the caller's
prepaid credit balance before the provider is called, shortens the response
when the balance is tight and the caller allows it, and bills the usage the
provider reports. Credits are bought through a hosted checkout and applied
by the payment webhook exactly once per session.

# Usage

	metering

# Environment Variables

Secrets (read from the environment, or from AWS Secrets Manager when
SECRETS_BACKEND=aws):
  - OPENAI_API_KEY: provider API key (required for LLM_PROVIDER=openai)
  - PAYMENTS_SECRET_KEY: checkout API secret key
  - PAYMENTS_WEBHOOK_SECRET: webhook signing secret
  - JWT_SECRET: HS256 key for client tokens

Optional:
  - PORT: HTTP server port (default: 8080)
  - CONDUIT_CONFIG_FILE: YAML config file, supports ${VAR:-default}
  - DATABASE_URL: PostgreSQL ledger; unset selects an in-memory ledger
  - REDIS_URL: shared rate limit store; unset selects a local limiter
  - LLM_PROVIDER: openai or bedrock (default: openai)
  - LLM_MODEL: model id (default: gpt-3.5-turbo)
  - OPENAI_BASE_URL: OpenAI-compatible endpoint (default: https://api.openai.com)
  - AWS_REGION: Bedrock and Secrets Manager region (default: us-east-1)
  - TOKENIZER_ENCODING: tiktoken encoding, or "heuristic" (default: cl100k_base, embedded)
  - GENERATION_TIMEOUT: provider call timeout (default: 60s)
  - CONDUIT_PRICING_CONFIG: JSON price catalog keyed by model
  - CONDUIT_PRICING_FILE: JSON or YAML price catalog keyed by model
  - PAYMENTS_BASE_URL: checkout API base URL (default: https://api.stripe.com)
  - CREDIT_PRICE_ID: checkout price for one credit pack
  - CHECKOUT_SUCCESS_URL, CHECKOUT_CANCEL_URL: checkout return pages
  - CORS_ALLOWED_ORIGINS: comma separated origins
  - RATE_LIMIT_PER_MINUTE: generation requests per account per minute (default: 30, 0 disables)
  - SECRETS_BACKEND: env or aws (default: env)
  - SECRETS_ID: secret name (aws) or variable prefix (env)
  - INSTANCE_ID: instance name in logs and usage events

# Endpoints

	POST /generate/text          metered generation
	GET  /credits                current balance
	POST /credits                start a top-up, returns the checkout URL
	GET  /credits/history        ledger entries, newest first
	GET  /credits/{sessionId}    checkout session status
	POST /webhooks/payments      payment provider webhook
	GET  /health                 liveness
	GET  /prometheus             metrics
*/
package main

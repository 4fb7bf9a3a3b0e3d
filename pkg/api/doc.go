// Package api exposes the HTTP surface of the service: the metered rewrite
// endpoint, account lifecycle routes, and the billing integration (hosted
// checkout, customer portal, and the webhook that keeps local entitlement
// state in sync with the provider).
//
// All routes live under /api/v1. Every route except the billing webhook runs
// behind bearer-token auth against the identity provider; the webhook
// authenticates deliveries by HMAC signature instead.
package api

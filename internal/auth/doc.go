// Package auth handles the relay's HS256 bearer tokens.
//
// The relay uses tokens in two directions:
//
//   - Outbound: the gateway client mints a short-lived token for the relay
//     principal (gateway.jwt_secret, gateway.principal_id) on every send.
//   - Inbound: when server.api_jwt_secret is set, the read-only /api/*
//     inspection routes require a token signed with that secret.
//
// Tokens carry the principal in "sub" and always expire.
package auth

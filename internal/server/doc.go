// Package server exposes the relay over HTTP.
//
// Routes:
//
//	POST /slack/events   Slack Events API webhook (path configurable)
//	GET  /health         liveness
//	GET  /health/ready   ledger database reachable
//	GET  /api/threads    registered threads and their pending counts
//	GET  /api/batches    recent ledger rows, ?channel=&thread=&limit=
//
// With tailscale.enabled the server joins the tailnet through tsnet and
// listens on :80, or on :443 through Funnel so Slack can reach the webhook.
package server

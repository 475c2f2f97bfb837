// Package api provides the HTTP control API and live message WebSocket
// for mqttc.
//
// Routes live under /api/v1. Everything except /health and /metrics needs
// an HS256 bearer token signed with security.jwt.secret (see IssueToken).
//
//	GET    /health              liveness and MQTT session state
//	GET    /metrics             runtime, MQTT, delivery and journal counters
//	GET    /status              MQTT client statistics
//	POST   /publish             publish a message
//	GET    /subscriptions       registered subscriptions
//	POST   /subscriptions       add a subscription
//	DELETE /subscriptions       remove a subscription (?filter=)
//	GET    /deliveries          tracked deliveries (?status=&limit=)
//	GET    /deliveries/{id}     one tracked delivery
//	GET    /messages            journaled messages (?filter=&direction=&since=&limit=)
//	POST   /auth/ws-ticket      single-use ticket for /ws
//	GET    /ws                  live message feed (?ticket=)
//
// The server follows the same lifecycle as the other components:
//
//	server, err := api.New(deps)
//	server.Start(ctx)
//	defer server.Close()
package api

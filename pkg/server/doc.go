// Package server exposes the HTTP API used by the perception process and dashboards.
//
// Detection payloads are POSTed to /data. Each valid payload is recorded in a snapshot store and
// submitted to the dispatcher, which decides whether the arm receives a command now or later.
// Dashboards poll /get, /history and /status, or subscribe to /ws for a live feed.
//
// If the server is configured with a JWT secret, requests that change state (POST /data and
// POST /clear) must carry an HS256-signed bearer token.
package server

// Package snapshot keeps the most recent detection payloads for dashboards.
//
// The [Store] is independent of dispatch state: every valid payload accepted by the HTTP server is
// recorded, whether or not it was sent to the arm. Entries keep the producer's JSON fields verbatim
// (including large fields such as base64 images) so that dashboards can render them.
//
// Nothing is persisted; a restart starts with an empty Store.
package snapshot

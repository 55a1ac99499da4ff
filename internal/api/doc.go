// Package api provides the upstream REST price client.
//
// REST endpoints:
//   - Production: https://openapi.koreainvestment.com:9443
//   - Paper trading: https://openapivts.koreainvestment.com:29443
//
// Every call carries a bearer access token plus the app key and secret, and
// calls are spaced at least 500ms apart to stay under the per-second limit.
package api

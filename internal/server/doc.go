// Package server hosts the media API behind one http.ServeMux.
//
// Every request passes the same chain: request id, request logging, route
// metrics, security headers and rate limiting. The JSON endpoints also get
// the CORS policy; stream routes set their own cross-origin headers.
package server

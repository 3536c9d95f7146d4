// Package httputil holds the JSON response helpers shared by every API
// handler: one content type, one error envelope, no raw
// http.ResponseWriter calls in handler code.
package httputil

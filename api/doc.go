// Package api holds the request and response types shared by the file server
// handlers and their clients, and the helpers that write them.
//
// Every error reply has the form {"status_code": N} with HTTP status N.
package api

// Package server implements the connection-handling core of the chat relay.
//
// Bind opens the TCP listener and creates the shared hub; Run accepts
// connections and gives each one a pump that reads newline-delimited
// messages, publishes them to the hub tagged with the peer address, and
// writes every broadcast back to its client. The same pump also serves
// WebSocket clients arriving through the HTTP routes.
package server

// Package fetch defines the request model, the browser session contract and
// the error taxonomy shared by the one-shot CLI and the long-running server.
package fetch

// Package host is the boundary between compiled unit catalogs and the tools
// that drive them. It keeps a registry of artifacts, lists their units for
// discovery, re-resolves discovered identities for execution and records
// every run in the result ledger.
package host

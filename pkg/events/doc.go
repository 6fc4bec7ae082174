// Package events carries what reconciliation passes do (identity changes,
// certificate issuance, config writes, reload outcomes) to interested
// listeners. `netident watch` subscribes and prints one line per event.
package events

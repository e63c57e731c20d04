// Package storage persists notifd's small pieces of local state: the fallback
// poller config, the preference mirror and the device id.
//
// Every driver implements the same key-value contract (KV). Values are opaque
// bytes; LoadJSON and SaveJSON layer JSON documents on top and treat a corrupt
// document as absent.
package storage

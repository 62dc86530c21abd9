// Package protocol defines the JSON wire format exchanged between the broker
// and its clients.
//
// Every frame is an envelope {"i": intent, "d": payload, "e": isError}.
// Payloads are decoded into typed structs here so that the broker and the
// client never handle untyped maps for known intents.
package protocol

// Package protocol defines the messages exchanged between kiln clients and
// daemons.
//
// Every frame on the daemon socket carries one Envelope. The Kind selects the
// payload type; payloads are CBOR encoded with the codec package so the
// daemon can reject an unknown kind without decoding its payload. Build
// output chunks above a size threshold travel zstd compressed.
package protocol

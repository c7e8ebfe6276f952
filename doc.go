// Package isotp is a pure Go implementation of ISO 15765-2 (ISO-TP), the
// transport-protocol layer that segments and reassembles variable-length
// payloads (1..4095 bytes) over a classic CAN bus whose frames hold at most
// 8 data bytes.
//
// A [Network] owns a single physical CAN channel (a [Bus]) and multiplexes
// many logical connections over it, each identified by a (tx id, rx id)
// pair. Connections are exposed to applications either as a push-style
// [Protocol] sink or as a pull-style [Reader]/[Writer] pair.
//
// Extended/mixed addressing, RTR frames, CAN-FD framing and diagnostic
// service semantics (UDS, OBD-II) are deliberately out of scope: this
// package implements the transport layer only.
package isotp

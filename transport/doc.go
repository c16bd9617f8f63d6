// Package transport implements the socket abstraction that the emyzelium
// substrate assumes: CURVE-encrypted publish/subscribe, push/pull with a
// single-slot (CONFLATE) buffer, and an in-process ZAP authentication
// channel. The handshake below is this implementation's own realization
// of "CURVE" and may be swapped for a real ZeroMQ binding without changing
// any emz package code that uses them, since emz only uses the exported
// socket types and functions of this package.
//
// Every connection starts with the dialing side sending its 32-byte raw
// Curve25519 public key in the clear, after which a shared key is derived
// with box.Precompute and all further frames on that connection are sealed
// with nacl/box using that shared key and a fresh random nonce per frame.
// The accepting side always runs this exchange through the ZAP responder
// before admitting the connection to its subscriber/sender set: a peer
// that fails authentication never reaches the socket's read/write loop.
package transport

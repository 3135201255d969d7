// Package bridge relays the latest value of a single pub/sub topic to any
// number of WebSocket clients.
//
// The pieces fit together as follows: a transport Source delivers raw
// messages, the pump decodes them and stores the result in a Cell, and every
// WebSocket connection reads the Cell on its own fixed cadence and pushes the
// current value to its client. The Cell is the only state shared between the
// pump and the connections.
package bridge

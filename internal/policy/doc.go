// Package policy restricts which networks may reach the signaling endpoint.
//
// The coordinator introduces every registered client to every discovering
// client, so a signaling connection from outside the LAN would leak the
// roster. ClientPolicy is evaluated before the WebSocket upgrade.
package policy

// Package packet implements the wire protocol spoken between ferry-gateway
// and connected agents.
//
// # Framing
//
// Every WebSocket text frame carries exactly one JSON object. The object
// always has an integer "id" field that selects the packet type. The id space
// is per direction: id 0 from an agent means SetName, id 0 from the gateway
// means ServerRun.
//
// # Incoming (agent → gateway)
//
//	{"id":0,"name":"lobby-1"}       SetName
//	{"id":1,"guildId":"!room:hs"}   SetServer
//
// # Outgoing (gateway → agent)
//
//	{"id":-1,"message":"Invalid packet ID","error":"PacketInvalidID"}
//	{"id":-1,"message":"<detail>","error":"PacketDeserializationError"}
//	{"id":0,"exec":{"run":["say hi"],"query":[],"set":{}}}
//
// # Decoding
//
// Decode is total: every input string is classified into exactly one of
// SetName, SetServer, InvalidID or Invalid. It runs in two stages. The
// envelope stage only looks at "id" (using gjson, without building a full
// document). The schema stage decodes the full body for the recognized id and
// checks required fields. An unknown integer id yields InvalidID; anything
// else that fails yields Invalid with a human-readable detail.
//
// # Commands
//
// ServerCommand is the document operators author (YAML in chat). Its
// selector decides which agents receive the command and is never written to
// the wire; only run, query and set are forwarded.
package packet

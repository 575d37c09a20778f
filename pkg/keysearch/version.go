package keysearch

// Version is populated at build time via ldflags. In development it defaults
// to v0.0.0-in-progress.
var Version = "v0.0.0-in-progress"

// ProtocolVersion is bumped whenever the wire format in message.go changes.
const ProtocolVersion = 1

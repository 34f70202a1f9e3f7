// Package lanptt is the engine behind a serverless push-to-talk node for a
// local network. Every node is an equal peer: it keeps a TCP session to each
// reachable peer, exchanges audio, chat and control frames over them, elects
// a leader among the recently active members and arbitrates who may talk.
//
// # Running a node
//
//	cfg := lanptt.Config{
//	    Name:   "kitchen",
//	    Listen: ":7400",
//	    Peers:  []string{"10.0.0.12:7400"},
//	}
//	node, err := lanptt.NewEngine(cfg, lanptt.WithListener(myListener))
//	if err != nil { log.Fatal(err) }
//	if err := node.Start(ctx); err != nil { log.Fatal(err) }
//	defer node.Shutdown(context.Background())
//
//	node.RequestFloor(ctx)
//	node.SendAudio(samples)
//	node.ReleaseFloor(ctx)
//
// Config.Validate fills every zero field with its Default* constant. A node
// without a NodeID gets a fresh UUIDv7 and keeps it for the life of the
// process.
//
// # Wire format
//
// Each frame is a 4-byte big-endian length followed by that many payload
// bytes. Payloads are classified by prefix:
//
//	AUDIO:<samples>                 raw audio
//	CHAT:<text>                     chat line
//	PING / PONG                     liveness pings
//	FLOOR:TAKE, FLOOR:RELEASE       pairwise floor grammar (direct mode)
//	FLOOR:BUSY:<owner>
//	CTRL:<type>|<node>|<term>|...   cluster control envelopes
//
// Frames above Config.MaxFrameSize are drained and skipped without tearing
// the session down. A host that keeps sending malformed frames is blocked
// for Config.ConnGuardBlock unless Config.ConnGuardDisabled is set.
//
// # Membership and the floor
//
// Nodes broadcast HEARTBEAT envelopes every Config.HeartbeatInterval. A
// member heard from within Config.ActiveWindow counts as active; the active
// member with the longest uptime leads, with the node id breaking ties. In
// arbitrated mode REQUEST and RELEASE envelopes go to the leader, which
// grants the floor, queues waiting requesters and announces BUSY. Direct mode
// announces the floor pairwise. Inbound traffic in either grammar is always
// honoured, so mixed clusters keep a consistent owner.
//
// An owner that never releases loses the floor after the talk duration,
// which comes from Config.TalkDuration or the user settings file.
//
// # Discovery
//
// Peers come from Config.Peers, from mDNS (Config.MDNS) and from any extra
// sources passed with WithDiscovery. Optionally, control envelopes are
// mirrored over MQTT (Config.BrokerURL) so nodes on segments that cannot
// reach each other directly still agree on membership and the floor.
//
// # Events
//
// Listener receives audio and chat inline on the reading session's
// goroutine. Floor, cluster and degraded-capability events arrive in order
// from a single dispatcher goroutine, so a Listener may call back into the
// Engine without deadlocking.
//
// # Observability
//
// Logging goes through pslog with dotted event names. Config.MetricsListen
// exposes OpenTelemetry metrics in Prometheus format, Config.PprofListen the
// pprof handlers, and Config.OTLPEndpoint enables trace export over OTLP
// gRPC or HTTP.
package lanptt

/*
Package lsoe implements the Link-State over Ethernet protocol engine for
Linux systems.

LSOE (draft-ietf-lsvr-lsoe) is a link-layer discovery and link-state
exchange protocol which runs directly over Ethernet, with no IP transport.
Routers on a shared link discover one another using periodic multicast
HELLO beacons, establish a bidirectional session with an OPEN exchange,
and then advertise their local IPv4, IPv6 and MPLS encapsulations over
that session.  Sessions are kept alive with periodic keepalives and torn
down cleanly with a CLOSE exchange.

Currently package lsoe implements:

 * Bit-exact encode/decode of every LSOE PDU, with opaque pass-through
   of vendor extension PDUs.

 * The LSOE transport layer: per-frame CRC-32 checksums, fragmentation
   of large PDUs into MTU-sized frames, and lock-step reassembly.

 * Raw link-layer connections bound to the LSOE EtherType, one per
   monitored interface.

 * The per-peer session state machine with acknowledgement,
   retransmission and keepalive handling.

 * A single-loop engine which owns all sessions, the HELLO beacon and
   the timer fabric, and which publishes session snapshots to a
   northbound reporter.

Kernel interface and address state is fed into the engine from the
companion ifmon package; northbound reporting over HTTP is provided by
the companion rfc7752 package.
*/
package lsoe

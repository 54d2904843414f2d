package pgm

import "sync/atomic"

// Stats holds the running per-socket counters for the source and receive
// engines. Fields are atomic so Socket.Stats() is safe to call concurrently
// with the receive/send paths.
type Stats struct {
	DataBytesSent     atomic.Uint64
	DataBytesReceived atomic.Uint64
	CumulativeLosses  atomic.Uint64

	MalformedNAKs atomic.Uint64
	MalformedSPMs atomic.Uint64
	MalformedNCFs atomic.Uint64

	ParityNAKsReceived    atomic.Uint64
	SelectiveNAKsReceived atomic.Uint64

	NAKsSent    atomic.Uint64
	NAKFailures atomic.Uint64
	NCFsSent    atomic.Uint64

	RDATABytesSent atomic.Uint64
	PacketsDropped atomic.Uint64
}

// Snapshot is a point-in-time plain copy of Stats, for callers that want to
// print or diff counters without holding references into the live socket.
type Snapshot struct {
	DataBytesSent, DataBytesReceived, CumulativeLosses uint64
	MalformedNAKs, MalformedSPMs, MalformedNCFs        uint64
	ParityNAKsReceived, SelectiveNAKsReceived          uint64
	NAKsSent, NAKFailures, NCFsSent                    uint64
	RDATABytesSent, PacketsDropped                     uint64
}

// Snapshot copies the current counter values.
func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		DataBytesSent:         s.DataBytesSent.Load(),
		DataBytesReceived:     s.DataBytesReceived.Load(),
		CumulativeLosses:      s.CumulativeLosses.Load(),
		MalformedNAKs:         s.MalformedNAKs.Load(),
		MalformedSPMs:         s.MalformedSPMs.Load(),
		MalformedNCFs:         s.MalformedNCFs.Load(),
		ParityNAKsReceived:    s.ParityNAKsReceived.Load(),
		SelectiveNAKsReceived: s.SelectiveNAKsReceived.Load(),
		NAKsSent:              s.NAKsSent.Load(),
		NAKFailures:           s.NAKFailures.Load(),
		NCFsSent:              s.NCFsSent.Load(),
		RDATABytesSent:        s.RDATABytesSent.Load(),
		PacketsDropped:        s.PacketsDropped.Load(),
	}
}

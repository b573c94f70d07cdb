package encoder

// ClockRate is the timestamp resolution of packets, the MPEG-TS 90 kHz clock.
const ClockRate = 90000

// Packet is one encoded H.264 access unit.
type Packet struct {
	PTS      int64
	DTS      int64
	AU       [][]byte // NAL units without start codes
	Keyframe bool
}

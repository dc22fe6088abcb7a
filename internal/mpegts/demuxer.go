package mpegts

import (
	"context"
	"errors"
	"io"
	"slices"
)

// unit is one demuxed logical unit: either a PMT's stream list or a PES
// packet from pid.
type unit struct {
	pid     uint16
	streams []elementaryStream
	pes     *pesPacket
}

// assembler collects the payloads of one PID until the unit is complete.
type assembler struct {
	buf    []byte
	lastCC uint8
	active bool
}

// push adds a packet and returns the previous unit's payload when p starts
// a new one. Continuity errors drop the partial unit; a repeated counter is
// a duplicate packet and is ignored.
func (a *assembler) push(p tsPacket) []byte {
	if p.transportErr {
		a.buf, a.active = nil, false
		return nil
	}
	if !p.hasPayload {
		return nil
	}
	if a.active && !p.discontinuity {
		switch p.cc {
		case a.lastCC:
			return nil
		case (a.lastCC + 1) & 0x0F:
		default:
			a.buf, a.active = nil, false
		}
	}
	a.lastCC = p.cc

	var done []byte
	if p.start {
		if a.active && len(a.buf) > 0 {
			done = a.buf
		}
		a.buf, a.active = append([]byte(nil), p.payload...), true
		return done
	}
	if a.active {
		a.buf = append(a.buf, p.payload...)
	}
	return nil
}

// take returns and clears whatever has been collected.
func (a *assembler) take() []byte {
	b := a.buf
	a.buf, a.active = nil, false
	return b
}

// demuxer reads transport stream packets and emits PMT and PES units.
// PMT PIDs learned from the PAT survive reset.
type demuxer struct {
	ctx  context.Context
	r    io.Reader
	buf  [packetSize]byte
	asm  map[uint16]*assembler
	pmts map[uint16]bool
	out  []unit
	eof  bool
}

func newDemuxer(ctx context.Context, r io.Reader) *demuxer {
	return &demuxer{
		ctx:  ctx,
		r:    r,
		asm:  make(map[uint16]*assembler),
		pmts: make(map[uint16]bool),
	}
}

// reset continues from r, which must be positioned on a packet boundary,
// discarding partial units.
func (d *demuxer) reset(r io.Reader) {
	d.r = r
	clear(d.asm)
	d.out = d.out[:0]
	d.eof = false
}

// next returns the next unit, or io.EOF once the input is exhausted and
// every pending unit has been returned. Corrupt packets and sections are
// skipped.
func (d *demuxer) next() (unit, error) {
	for len(d.out) == 0 {
		if d.eof {
			return unit{}, io.EOF
		}
		if err := d.ctx.Err(); err != nil {
			return unit{}, err
		}
		if _, err := io.ReadFull(d.r, d.buf[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				d.eof = true
				d.drain()
				continue
			}
			return unit{}, err
		}
		p, err := parsePacket(d.buf[:])
		if err != nil {
			continue
		}
		d.feed(p)
	}
	u := d.out[0]
	d.out = d.out[1:]
	return u, nil
}

func (d *demuxer) isPSI(pid uint16) bool {
	return pid == pidPAT || d.pmts[pid]
}

func (d *demuxer) feed(p tsPacket) {
	a := d.asm[p.pid]
	if a == nil {
		a = &assembler{}
		d.asm[p.pid] = a
	}
	if done := a.push(p); done != nil {
		d.decode(p.pid, done)
	}
	// PSI is complete as soon as its sections are, without waiting for the
	// next unit start.
	if d.isPSI(p.pid) && a.active {
		if _, complete := sections(a.buf); complete {
			d.decode(p.pid, a.take())
		}
	}
}

// drain flushes every partial unit at end of input, PAT first so the PMT
// PIDs it names are recognized.
func (d *demuxer) drain() {
	pids := make([]uint16, 0, len(d.asm))
	for pid := range d.asm {
		pids = append(pids, pid)
	}
	slices.Sort(pids)
	for _, pid := range pids {
		if b := d.asm[pid].take(); len(b) > 0 {
			d.decode(pid, b)
		}
	}
}

func (d *demuxer) decode(pid uint16, payload []byte) {
	if d.isPSI(pid) {
		secs, _ := sections(payload)
		for _, sec := range secs {
			d.decodeSection(pid, sec)
		}
		return
	}
	if !hasStartCode(payload) {
		return
	}
	pes, err := parsePES(payload)
	if err != nil {
		return
	}
	d.out = append(d.out, unit{pid: pid, pes: &pes})
}

func (d *demuxer) decodeSection(pid uint16, sec []byte) {
	switch sec[0] {
	case tableIDPAT:
		if pid != pidPAT {
			return
		}
		pids, err := parsePAT(sec)
		if err != nil {
			return
		}
		for _, p := range pids {
			d.pmts[p] = true
		}
	case tableIDPMT:
		streams, err := parsePMT(sec)
		if err != nil {
			return
		}
		d.out = append(d.out, unit{pid: pid, streams: streams})
	}
}
